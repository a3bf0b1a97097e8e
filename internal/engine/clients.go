package engine

import (
	"context"

	"github.com/user/ratatosk"
	"github.com/user/ratatosk/pkg/bigquery"
)

// bqSource adapts the concrete BigQuery client to the Source interface;
// its iterator type satisfies RowIterator as-is.
type bqSource struct {
	client *bigquery.Client
}

// NewBigQuerySource wraps a BigQuery client for use as the engine's
// source. The same client can also serve as the Loader.
func NewBigQuerySource(client *bigquery.Client) Source {
	return bqSource{client: client}
}

func (s bqSource) TableMetadata(ctx context.Context, project, dataset, table string) (ratatosk.Schema, error) {
	return s.client.TableMetadata(ctx, project, dataset, table)
}

func (s bqSource) Query(ctx context.Context, project, sql string, forceString map[string]bool) (RowIterator, error) {
	it, err := s.client.Query(ctx, project, sql, forceString)
	if err != nil {
		return nil, err
	}
	return it, nil
}

package bigquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/ratatosk"
	bq "google.golang.org/api/bigquery/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Config tunes the synchronous query window and job polling.
type Config struct {
	QueryTimeout  time.Duration // synchronous window passed to jobs.query
	PollInterval  time.Duration // poll spacing for incomplete query and load jobs
	MaxQueryPolls int           // extra polls before a query counts as incomplete
}

func (c *Config) withDefaults() {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxQueryPolls <= 0 {
		c.MaxQueryPolls = 3
	}
}

// Client reads metadata and paginated rows from BigQuery and runs NDJSON
// load jobs for the spreadsheet ingest path.
type Client struct {
	svc *bq.Service
	cfg Config
}

// New builds a Client. Callers pass option.WithTokenSource for production
// use; tests pass option.WithEndpoint plus option.WithoutAuthentication.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Client, error) {
	cfg.withDefaults()
	svc, err := bq.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery service: %w", err)
	}
	return &Client{svc: svc, cfg: cfg}, nil
}

// TableMetadata returns the ordered field list of a table.
func (c *Client) TableMetadata(ctx context.Context, project, dataset, table string) (ratatosk.Schema, error) {
	t, err := c.svc.Tables.Get(project, dataset, table).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			switch gerr.Code {
			case 404:
				return nil, ratatosk.Wrap(ratatosk.KindNotFound, err, "table %s.%s.%s not found", project, dataset, table)
			case 403:
				return nil, ratatosk.Wrap(ratatosk.KindPermissionDenied, err, "no access to table %s.%s.%s", project, dataset, table)
			}
		}
		return nil, ratatosk.Wrap(ratatosk.KindSourceUnavailable, err, "failed to fetch metadata for %s.%s.%s", project, dataset, table)
	}
	if t.Schema == nil {
		return ratatosk.Schema{}, nil
	}
	return schemaFromBQ(t.Schema), nil
}

// UpdateSchema appends nullable string columns to a table, preserving the
// existing fields.
func (c *Client) UpdateSchema(ctx context.Context, project, dataset, table string, newColumns []string) error {
	if len(newColumns) == 0 {
		return nil
	}
	t, err := c.svc.Tables.Get(project, dataset, table).Context(ctx).Do()
	if err != nil {
		return ratatosk.Wrap(ratatosk.KindSourceUnavailable, err, "failed to read schema of %s.%s.%s", project, dataset, table)
	}
	schema := t.Schema
	if schema == nil {
		schema = &bq.TableSchema{}
	}
	existing := make(map[string]bool, len(schema.Fields))
	for _, f := range schema.Fields {
		existing[f.Name] = true
	}
	for _, col := range newColumns {
		if existing[col] {
			continue
		}
		schema.Fields = append(schema.Fields, &bq.TableFieldSchema{
			Name: col,
			Type: "STRING",
			Mode: "NULLABLE",
		})
	}
	_, err = c.svc.Tables.Patch(project, dataset, table, &bq.Table{Schema: schema}).Context(ctx).Do()
	if err != nil {
		return ratatosk.Wrap(ratatosk.KindSourceUnavailable, err, "failed to patch schema of %s.%s.%s", project, dataset, table)
	}
	return nil
}

func schemaFromBQ(ts *bq.TableSchema) ratatosk.Schema {
	schema := make(ratatosk.Schema, 0, len(ts.Fields))
	for _, f := range ts.Fields {
		schema = append(schema, ratatosk.Field{
			Name:     f.Name,
			Type:     fieldTypeFromBQ(f.Type),
			Nullable: f.Mode != "REQUIRED",
		})
	}
	return schema
}

func fieldTypeFromBQ(t string) ratatosk.FieldType {
	switch t {
	case "INTEGER", "INT64":
		return ratatosk.TypeInt
	case "FLOAT", "FLOAT64":
		return ratatosk.TypeFloat
	case "BOOLEAN", "BOOL":
		return ratatosk.TypeBool
	case "DATE":
		return ratatosk.TypeDate
	case "DATETIME":
		return ratatosk.TypeDatetime
	case "TIMESTAMP":
		return ratatosk.TypeTimestamp
	case "NUMERIC", "BIGNUMERIC":
		return ratatosk.TypeNumeric
	default:
		return ratatosk.TypeString
	}
}

func fieldTypeToBQ(t ratatosk.FieldType) string {
	switch t {
	case ratatosk.TypeInt:
		return "INTEGER"
	case ratatosk.TypeFloat:
		return "FLOAT"
	case ratatosk.TypeBool:
		return "BOOLEAN"
	case ratatosk.TypeDate:
		return "DATE"
	case ratatosk.TypeDatetime:
		return "DATETIME"
	case ratatosk.TypeTimestamp:
		return "TIMESTAMP"
	case ratatosk.TypeNumeric:
		return "NUMERIC"
	default:
		return "STRING"
	}
}

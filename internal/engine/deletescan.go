package engine

import (
	"context"
	"encoding/json"

	"github.com/user/ratatosk"
	"github.com/user/ratatosk/internal/jobstore"
	"github.com/user/ratatosk/internal/runlog"
	"google.golang.org/api/iterator"
)

// deleteScan removes sink rows whose upsert-key tuple is gone from the
// source. Three circuit breakers guard it: an empty source aborts with a
// warning, an empty sink is a no-op, and a candidate set larger than
// half the sink fails the run. The returned bool reports whether the
// scan actually ran; a tripped gate A leaves it false.
func (e *Engine) deleteScan(ctx context.Context, job *jobstore.Job, rec *runlog.Recorder) (int, bool, error) {
	sql, err := buildKeyQuery(job)
	if err != nil {
		return 0, false, err
	}
	keys := job.Supabase.UpsertColumns

	it, err := e.source.Query(ctx, job.BigQuery.ProjectID, sql, nil)
	if err != nil {
		return 0, false, err
	}
	sourceKeys := make(map[string]struct{})
	for {
		row, err := it.Next(ctx)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, false, err
		}
		canon, err := canonicalKey(row, keys)
		if err != nil {
			return 0, false, err
		}
		sourceKeys[canon] = struct{}{}
		if len(sourceKeys) > e.cfg.DeleteScanMax {
			return 0, false, ratatosk.E(ratatosk.KindDeleteScanOverflow,
				"source key scan exceeded %d keys", e.cfg.DeleteScanMax)
		}
	}

	// Gate A: a source that suddenly reports nothing looks like a scope
	// or connectivity regression, not a mass deletion.
	if len(sourceKeys) == 0 {
		gateTrips.WithLabelValues("source_empty").Inc()
		rec.Warning("delete", "source returned zero keys, skipping delete detection", nil)
		return 0, false, nil
	}

	var (
		candidates [][]interface{}
		sinkTotal  int
		offset     int
	)
	for {
		page, err := e.sink.KeyPage(ctx, job.Supabase.Table, keys, e.cfg.KeyScanPage, offset)
		if err != nil {
			return 0, false, err
		}
		for _, row := range page {
			canon, err := canonicalKey(row, keys)
			if err != nil {
				return 0, false, err
			}
			if _, ok := sourceKeys[canon]; !ok {
				tuple := make([]interface{}, len(keys))
				for i, col := range keys {
					tuple[i] = row[col]
				}
				candidates = append(candidates, tuple)
			}
		}
		sinkTotal += len(page)
		if len(page) < e.cfg.KeyScanPage {
			break
		}
		offset += len(page)
	}

	// Gate B: nothing mirrored yet, nothing to delete.
	if sinkTotal == 0 {
		return 0, true, nil
	}

	// Gate C: deleting more than half the mirror is treated as an anomaly
	// rather than obeyed.
	if float64(len(candidates)) > 0.5*float64(sinkTotal) {
		gateTrips.WithLabelValues("runaway_delete").Inc()
		return 0, false, ratatosk.E(ratatosk.KindDestructiveAnomaly,
			"delete scan would remove %d of %d sink rows", len(candidates), sinkTotal)
	}

	if len(candidates) == 0 {
		rec.Info("delete", "no stale rows", map[string]interface{}{"sinkRows": sinkTotal})
		return 0, true, nil
	}

	deleted, err := e.sink.Delete(ctx, job.Supabase.Table, keys, candidates)
	if err != nil {
		return deleted, true, err
	}
	rec.Info("delete", "stale rows removed", map[string]interface{}{
		"deleted": deleted, "sinkRows": sinkTotal,
	})
	return deleted, true, nil
}

// canonicalKey serializes the upsert-column values of a row as a JSON
// array in declared order. The encoding keeps "1" and 1 distinct, so a
// large integer carried as a string never collides with a numeric one.
func canonicalKey(row ratatosk.Row, columns []string) (string, error) {
	tuple := make([]interface{}, len(columns))
	for i, col := range columns {
		tuple[i] = row[col]
	}
	data, err := json.Marshal(tuple)
	if err != nil {
		return "", ratatosk.Wrap(ratatosk.KindPaginationFailed, err, "failed to encode key tuple")
	}
	return string(data), nil
}

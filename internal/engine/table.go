package engine

import (
	"context"
	"time"

	"github.com/user/ratatosk"
	"github.com/user/ratatosk/internal/jobstore"
	"github.com/user/ratatosk/internal/reconcile"
	"github.com/user/ratatosk/internal/runlog"
	"github.com/user/ratatosk/internal/state"
	"google.golang.org/api/iterator"
)

// runTableBatch executes one batch of a warehouse-to-sink run.
func (e *Engine) runTableBatch(ctx context.Context, job *jobstore.Job, runID string, batchNumber int) (*BatchResult, error) {
	if e.sink == nil {
		return nil, ratatosk.E(ratatosk.KindConfigInvalid, "sink is not configured")
	}
	var (
		rec *runlog.Recorder
		st  *state.TableState
		err error
	)

	if batchNumber == 1 {
		rec, err = e.logs.StartRun(ctx, job.ID, job.Name, runID)
		if err != nil {
			return nil, err
		}
		rec.Info("init", "run started", map[string]interface{}{"batch": batchNumber})
		st, err = e.reconcileTable(ctx, job, rec)
		if err != nil {
			return nil, e.failRun(ctx, job, rec, runID, err)
		}
		if err := e.states.SaveTable(ctx, job.ID, runID, st); err != nil {
			return nil, e.failRun(ctx, job, rec, runID, err)
		}
	} else {
		rec = e.logs.ResumeRun(job.ID, job.Name, runID)
		st, err = e.states.LoadTable(ctx, job.ID, runID)
		if err != nil {
			return nil, e.failRun(ctx, job, rec, runID, err)
		}
		if st == nil {
			return nil, e.failRun(ctx, job, rec, runID,
				ratatosk.E(ratatosk.KindRunExpired, "no state for run %s batch %d", runID, batchNumber))
		}
		if !st.SchemaSyncDone {
			return nil, e.failRun(ctx, job, rec, runID,
				ratatosk.E(ratatosk.KindSchemaIncomplete, "run %s state present but schema sync incomplete", runID))
		}
		rec.Info("fetch", "run resumed", map[string]interface{}{"batch": batchNumber})
	}

	res, err := e.tableFetchUpsert(ctx, job, rec, st, runID, batchNumber)
	if err != nil {
		return nil, e.failRun(ctx, job, rec, runID, err)
	}
	return res, nil
}

// reconcileTable performs the batch-1 schema work: create the sink table
// if needed, validate the upsert key, apply drift, then read the
// run-start watermark. The returned state has SchemaSyncDone set.
func (e *Engine) reconcileTable(ctx context.Context, job *jobstore.Job, rec *runlog.Recorder) (*state.TableState, error) {
	schema, err := e.source.TableMetadata(ctx, job.BigQuery.ProjectID, job.BigQuery.Dataset, job.BigQuery.Table)
	if err != nil {
		return nil, err
	}
	if err := reconcile.ValidateUpsertKeys(job.Supabase.UpsertColumns, schema); err != nil {
		return nil, err
	}

	stmts, err := reconcile.CreateTableSQL(job.Supabase.Table, schema, job.Supabase.UpsertColumns)
	if err != nil {
		return nil, err
	}
	for _, stmt := range stmts {
		if err := e.sink.ExecDDL(ctx, stmt); err != nil {
			return nil, err
		}
	}

	sinkSchema, err := e.sink.Describe(ctx, job.Supabase.Table)
	if err != nil {
		return nil, err
	}
	changes := reconcile.DetectChanges(schema, sinkSchema)
	// A freshly created table reports no drift; Describe sees exactly the
	// columns CreateTableSQL put there.
	if len(sinkSchema) > 0 && !changes.Empty() {
		for _, field := range changes.ToAdd {
			stmt, err := reconcile.AddColumnSQL(job.Supabase.Table, field)
			if err != nil {
				return nil, err
			}
			if err := e.sink.ExecDDL(ctx, stmt); err != nil {
				return nil, err
			}
			rec.Info("reconcile", "added column "+field.Name, map[string]interface{}{"type": string(field.Type)})
		}
		for _, col := range changes.ToDrop {
			stmt, err := reconcile.DropColumnSQL(job.Supabase.Table, col)
			if err != nil {
				return nil, err
			}
			if err := e.sink.ExecDDL(ctx, stmt); err != nil {
				return nil, err
			}
			rec.Info("reconcile", "dropped column "+col, nil)
		}
		schemaDrift.WithLabelValues(job.ID).Add(float64(len(changes.ToAdd) + len(changes.ToDrop)))
		// Let the sink's schema cache settle before the first upsert.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.cfg.SchemaPause):
		}
	}

	st := &state.TableState{
		Schema:         schema,
		StartedAt:      time.Now().UTC(),
		SchemaSyncDone: true,
	}
	if job.BigQuery.IncrementalColumn != "" {
		last, err := e.sink.LastValue(ctx, job.Supabase.Table, job.BigQuery.IncrementalColumn)
		if err != nil {
			return nil, err
		}
		st.LastSyncValue = last
		rec.Info("reconcile", "schema reconciled", map[string]interface{}{
			"columns": len(schema), "lastSyncValue": last,
		})
	} else {
		rec.Info("reconcile", "schema reconciled", map[string]interface{}{"columns": len(schema)})
	}
	return st, nil
}

// tableFetchUpsert fetches one page, upserts it in sequential
// sub-batches, and either persists the cursor for the next batch or runs
// the terminal delete scan.
func (e *Engine) tableFetchUpsert(ctx context.Context, job *jobstore.Job, rec *runlog.Recorder,
	st *state.TableState, runID string, batchNumber int) (*BatchResult, error) {

	sql, err := buildTableQuery(job, st, e.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	rec.Debug("fetch", "extraction query composed", map[string]interface{}{"sql": sql, "batch": batchNumber})

	force := make(map[string]bool, len(job.BigQuery.ForceStringFields))
	for _, col := range job.BigQuery.ForceStringFields {
		force[col] = true
	}
	it, err := e.source.Query(ctx, job.BigQuery.ProjectID, sql, force)
	if err != nil {
		return nil, err
	}

	page := make([]ratatosk.Row, 0, e.cfg.PageSize)
	for len(page) < e.cfg.PageSize {
		row, err := it.Next(ctx)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		page = append(page, row)
	}
	sourcePages.WithLabelValues(job.ID).Inc()

	ord := orderingFor(job)
	upserted := 0
	truncated := false
	for upserted < len(page) {
		end := upserted + e.cfg.SubBatchSize
		if end > len(page) {
			end = len(page)
		}
		if err := e.sink.Upsert(ctx, job.Supabase.Table, job.Supabase.UpsertColumns, page[upserted:end]); err != nil {
			return nil, err
		}
		upserted = end
		if upserted < len(page) && e.nearDeadline(ctx) {
			// Out of time: the consumed prefix becomes the effective page
			// and the rest is re-read by the next batch.
			truncated = true
			rec.Warning("upsert", "deadline near, persisting early", map[string]interface{}{
				"upserted": upserted, "fetched": len(page),
			})
			break
		}
	}
	rowsUpserted.WithLabelValues(job.ID).Add(float64(upserted))
	st.RowsProcessed += int64(upserted)
	rec.Info("upsert", "page upserted", map[string]interface{}{
		"rows": upserted, "batch": batchNumber,
	})

	if truncated || len(page) == e.cfg.PageSize {
		last := page[upserted-1]
		st.Cursor = &state.Cursor{Inc: last[ord.Inc], Tie: last[ord.Tie]}
		if err := e.states.SaveTable(ctx, job.ID, runID, st); err != nil {
			return nil, err
		}
		if err := rec.Flush(ctx); err != nil {
			e.logger.Warn("failed to flush run log", "job", job.ID, "run", runID, "error", err)
		}
		return &BatchResult{
			RunID:         runID,
			HasMore:       true,
			NextBatch:     batchNumber + 1,
			RowsProcessed: int64(upserted),
		}, nil
	}

	deleted, scanned, err := e.deleteScan(ctx, job, rec)
	if err != nil {
		return nil, err
	}
	rowsDeleted.WithLabelValues(job.ID).Add(float64(deleted))

	sum := summary(st.RowsProcessed, deleted, scanned, time.Since(st.StartedAt))
	if err := e.finishRun(ctx, job, rec, runID, sum); err != nil {
		return nil, err
	}
	return &BatchResult{
		RunID:         runID,
		RowsProcessed: int64(upserted),
		RowsDeleted:   deleted,
		Summary:       sum,
	}, nil
}

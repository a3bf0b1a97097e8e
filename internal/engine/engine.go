// Package engine drives synchronization runs as sequences of bounded
// batches. One call to RunBatch performs exactly one batch; when more
// source data remains the result tells the caller which batch to invoke
// next. Continuation is always the caller's, never a background task.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/user/ratatosk"
	"github.com/user/ratatosk/internal/jobstore"
	"github.com/user/ratatosk/internal/runlog"
	"github.com/user/ratatosk/internal/state"
	"github.com/user/ratatosk/pkg/bigquery"
)

// Source reads metadata and paginated rows from the warehouse.
type Source interface {
	TableMetadata(ctx context.Context, project, dataset, table string) (ratatosk.Schema, error)
	Query(ctx context.Context, project, sql string, forceString map[string]bool) (RowIterator, error)
}

// RowIterator yields query rows; Next returns iterator.Done when the
// result set is exhausted.
type RowIterator interface {
	Next(ctx context.Context) (ratatosk.Row, error)
}

// Sink is the relational mirror the engine writes into.
type Sink interface {
	Upsert(ctx context.Context, table string, conflictColumns []string, rows []ratatosk.Row) error
	ExecDDL(ctx context.Context, statement string) error
	LastValue(ctx context.Context, table, column string) (interface{}, error)
	Describe(ctx context.Context, table string) (ratatosk.Schema, error)
	KeyPage(ctx context.Context, table string, columns []string, limit, offset int) ([]ratatosk.Row, error)
	Delete(ctx context.Context, table string, keyColumns []string, tuples [][]interface{}) (int, error)
}

// SheetReader fetches A1 ranges for the spreadsheet ingest variant.
type SheetReader interface {
	ReadRange(ctx context.Context, spreadsheetID, rangeA1 string) ([][]interface{}, error)
}

// Loader runs NDJSON load jobs and schema updates against the warehouse
// when it acts as the destination.
type Loader interface {
	TableMetadata(ctx context.Context, project, dataset, table string) (ratatosk.Schema, error)
	UpdateSchema(ctx context.Context, project, dataset, table string, newColumns []string) error
	LoadNDJSON(ctx context.Context, project, dataset, table string, ndjson []byte, mode bigquery.LoadMode, schema ratatosk.Schema) (*bigquery.LoadResult, error)
}

// Config holds the engine tunables. Zero values pick the defaults.
type Config struct {
	PageSize       int           // rows fetched per batch
	SubBatchSize   int           // rows per sink upsert request
	KeyScanPage    int           // sink rows per delete-phase page
	DeleteScanMax  int           // source-key ceiling in the delete phase
	DeadlineMargin time.Duration // persist and hand back when this close to the deadline
	SchemaPause    time.Duration // settle time after applied drift
}

func (c *Config) withDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 5000
	}
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = 2500
	}
	if c.KeyScanPage <= 0 {
		c.KeyScanPage = 10000
	}
	if c.DeleteScanMax <= 0 {
		c.DeleteScanMax = 2000000
	}
	if c.DeadlineMargin <= 0 {
		c.DeadlineMargin = 10 * time.Second
	}
	if c.SchemaPause <= 0 {
		c.SchemaPause = time.Second
	}
}

// BatchResult is what one batch reports back to its caller.
type BatchResult struct {
	RunID         string `json:"runId"`
	HasMore       bool   `json:"hasMore"`
	NextBatch     int    `json:"nextBatch,omitempty"`
	RowsProcessed int64  `json:"rowsProcessed"`
	RowsDeleted   int    `json:"rowsDeleted"`
	Summary       string `json:"summary,omitempty"`
}

// Engine orchestrates runs for both job variants.
type Engine struct {
	cfg    Config
	source Source
	sink   Sink
	sheets SheetReader
	loader Loader
	jobs   *jobstore.Store
	states *state.Store
	logs   *runlog.Store
	logger ratatosk.Logger
}

// New wires an Engine. sheets and loader may be nil when no
// sheets-to-bq job will run.
func New(cfg Config, source Source, sink Sink, sheets SheetReader, loader Loader,
	jobs *jobstore.Store, states *state.Store, logs *runlog.Store, logger ratatosk.Logger) *Engine {
	cfg.withDefaults()
	if logger == nil {
		logger = ratatosk.NewDefaultLogger()
	}
	return &Engine{
		cfg:    cfg,
		source: source,
		sink:   sink,
		sheets: sheets,
		loader: loader,
		jobs:   jobs,
		states: states,
		logs:   logs,
		logger: logger,
	}
}

// RunBatch executes one batch of a run. On batch 1 runID may be empty
// and a fresh one is generated. Errors are recorded on the job and in
// the run log before they surface.
func (e *Engine) RunBatch(ctx context.Context, job *jobstore.Job, runID string, batchNumber int) (*BatchResult, error) {
	if batchNumber < 1 {
		batchNumber = 1
	}
	if runID == "" {
		if batchNumber > 1 {
			return nil, ratatosk.E(ratatosk.KindRunExpired, "batch %d needs the run id of batch 1", batchNumber)
		}
		runID = uuid.NewString()
	}

	start := time.Now()
	variant := string(job.Type)
	batchesTotal.WithLabelValues(job.ID, variant).Inc()

	var (
		res *BatchResult
		err error
	)
	switch job.Type {
	case ratatosk.JobBQToSupabase:
		res, err = e.runTableBatch(ctx, job, runID, batchNumber)
	case ratatosk.JobSheetsToBQ:
		res, err = e.runSheetBatch(ctx, job, runID, batchNumber)
	default:
		err = ratatosk.E(ratatosk.KindConfigInvalid, "unknown job type %q", job.Type)
	}
	batchDuration.WithLabelValues(variant).Observe(time.Since(start).Seconds())
	if err != nil {
		batchErrors.WithLabelValues(job.ID, variant).Inc()
		return nil, err
	}
	return res, nil
}

// RunToCompletion drives a whole run batch by batch, each under its own
// deadline. The scheduler and the run-all endpoint use it; the per-batch
// sync endpoint does not.
func (e *Engine) RunToCompletion(ctx context.Context, job *jobstore.Job, batchTimeout time.Duration) (*BatchResult, error) {
	runID := ""
	batch := 1
	for {
		bctx := ctx
		cancel := context.CancelFunc(func() {})
		if batchTimeout > 0 {
			bctx, cancel = context.WithTimeout(ctx, batchTimeout)
		}
		res, err := e.RunBatch(bctx, job, runID, batch)
		cancel()
		if err != nil {
			return nil, err
		}
		if !res.HasMore {
			return res, nil
		}
		runID = res.RunID
		batch = res.NextBatch
	}
}

// finishRun records the terminal outcome on the job and in the run log,
// flushes the recorder and removes the run state.
func (e *Engine) finishRun(ctx context.Context, job *jobstore.Job, rec *runlog.Recorder, runID, summary string) error {
	rec.Success("complete", summary, nil)
	if err := rec.Flush(ctx); err != nil {
		e.logger.Warn("failed to flush run log", "job", job.ID, "run", runID, "error", err)
	}
	if err := e.logs.EndRun(ctx, job.ID, runID, runlog.StatusSuccess); err != nil {
		return fmt.Errorf("failed to close run record: %w", err)
	}
	if err := e.jobs.RecordSuccess(ctx, job.ID, summary); err != nil {
		return fmt.Errorf("failed to record run summary: %w", err)
	}
	if err := e.states.Delete(ctx, job.ID, runID); err != nil {
		return fmt.Errorf("failed to clear run state: %w", err)
	}
	return nil
}

// failRun records a batch failure everywhere it must be visible, then
// returns the original error for the caller.
func (e *Engine) failRun(ctx context.Context, job *jobstore.Job, rec *runlog.Recorder, runID string, err error) error {
	e.logger.Error("batch failed", "job", job.ID, "run", runID, "error", err)
	if rec != nil {
		rec.Error("failed", err.Error(), nil)
		if ferr := rec.Flush(ctx); ferr != nil {
			e.logger.Warn("failed to flush run log", "job", job.ID, "run", runID, "error", ferr)
		}
	}
	if eerr := e.logs.EndRun(ctx, job.ID, runID, runlog.StatusError); eerr != nil {
		e.logger.Warn("failed to close run record", "job", job.ID, "run", runID, "error", eerr)
	}
	if rerr := e.jobs.RecordError(ctx, job.ID, err.Error()); rerr != nil {
		e.logger.Warn("failed to record job error", "job", job.ID, "error", rerr)
	}
	return err
}

// summary renders the terminal run summary, e.g.
// "1234 rows synced, 2 deleted in 3m 12s". The deleted count only
// appears when the delete phase actually scanned; a skipped phase says
// nothing about deletions.
func summary(rows int64, deleted int, scanned bool, elapsed time.Duration) string {
	dur := fmt.Sprintf("%dm %ds", int(elapsed.Minutes()), int(elapsed.Seconds())%60)
	if scanned {
		return fmt.Sprintf("%d rows synced, %d deleted in %s", rows, deleted, dur)
	}
	return fmt.Sprintf("%d rows synced in %s", rows, dur)
}

// nearDeadline reports whether the batch should stop fetching work and
// persist. It leaves the configured margin for state and log writes.
func (e *Engine) nearDeadline(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return time.Until(deadline) < e.cfg.DeadlineMargin
}

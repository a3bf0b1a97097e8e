package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/user/ratatosk"
	"github.com/user/ratatosk/internal/jobstore"
	"github.com/user/ratatosk/internal/runlog"
	"github.com/user/ratatosk/internal/state"
	"github.com/user/ratatosk/pkg/bigquery"
	"github.com/user/ratatosk/pkg/gsheets"
)

// runSheetBatch executes one batch of a spreadsheet-to-warehouse run.
// Pagination is a plain row offset; there is no delete phase.
func (e *Engine) runSheetBatch(ctx context.Context, job *jobstore.Job, runID string, batchNumber int) (*BatchResult, error) {
	if e.sheets == nil || e.loader == nil {
		return nil, ratatosk.E(ratatosk.KindConfigInvalid, "spreadsheet ingest is not configured")
	}
	sheetID, err := gsheets.SpreadsheetID(job.Sheets.URL)
	if err != nil {
		return nil, e.failRun(ctx, job, nil, runID, err)
	}

	var (
		rec *runlog.Recorder
		st  *state.SheetState
	)
	if batchNumber == 1 {
		rec, err = e.logs.StartRun(ctx, job.ID, job.Name, runID)
		if err != nil {
			return nil, err
		}
		rec.Info("init", "run started", map[string]interface{}{"batch": batchNumber})
		st, err = e.prepareSheet(ctx, job, rec, sheetID)
		if err != nil {
			return nil, e.failRun(ctx, job, rec, runID, err)
		}
		if err := e.states.SaveSheet(ctx, job.ID, runID, st); err != nil {
			return nil, e.failRun(ctx, job, rec, runID, err)
		}
	} else {
		rec = e.logs.ResumeRun(job.ID, job.Name, runID)
		st, err = e.states.LoadSheet(ctx, job.ID, runID)
		if err != nil {
			return nil, e.failRun(ctx, job, rec, runID, err)
		}
		if st == nil {
			return nil, e.failRun(ctx, job, rec, runID,
				ratatosk.E(ratatosk.KindRunExpired, "no state for run %s batch %d", runID, batchNumber))
		}
		if !st.SchemaSyncDone {
			return nil, e.failRun(ctx, job, rec, runID,
				ratatosk.E(ratatosk.KindSchemaIncomplete, "run %s state present but header scan incomplete", runID))
		}
	}

	res, err := e.sheetFetchLoad(ctx, job, rec, st, sheetID, runID, batchNumber)
	if err != nil {
		return nil, e.failRun(ctx, job, rec, runID, err)
	}
	return res, nil
}

// prepareSheet reads and sanitizes the header row and probes the
// destination table. Data rows start at row 2.
func (e *Engine) prepareSheet(ctx context.Context, job *jobstore.Job, rec *runlog.Recorder, sheetID string) (*state.SheetState, error) {
	headerRange := "1:1"
	if job.Sheets.SheetName != "" {
		headerRange = quoteSheetName(job.Sheets.SheetName) + "!1:1"
	}
	rows, err := e.sheets.ReadRange(ctx, sheetID, headerRange)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ratatosk.E(ratatosk.KindConfigInvalid, "sheet %s has no header row", sheetID)
	}
	headers := make([]string, len(rows[0]))
	for i, cell := range rows[0] {
		headers[i] = sanitizeHeader(fmt.Sprintf("%v", cell), i)
	}

	st := &state.SheetState{
		Headers:        headers,
		NextRow:        2,
		StartedAt:      time.Now().UTC(),
		SchemaSyncDone: true,
	}
	_, err = e.loader.TableMetadata(ctx, job.BigQuery.ProjectID, job.BigQuery.Dataset, job.BigQuery.Table)
	if err != nil {
		if ratatosk.IsKind(err, ratatosk.KindNotFound) {
			st.IsNewTable = true
		} else {
			return nil, err
		}
	}
	rec.Info("reconcile", "headers read", map[string]interface{}{
		"columns": len(headers), "newTable": st.IsNewTable,
	})
	return st, nil
}

// sheetFetchLoad reads one window of rows and loads them as NDJSON.
func (e *Engine) sheetFetchLoad(ctx context.Context, job *jobstore.Job, rec *runlog.Recorder,
	st *state.SheetState, sheetID, runID string, batchNumber int) (*BatchResult, error) {

	first := st.NextRow
	last := first + int64(e.cfg.PageSize) - 1
	rangeA1 := fmt.Sprintf("%d:%d", first, last)
	if job.Sheets.SheetName != "" {
		rangeA1 = quoteSheetName(job.Sheets.SheetName) + "!" + rangeA1
	}
	rows, err := e.sheets.ReadRange(ctx, sheetID, rangeA1)
	if err != nil {
		return nil, err
	}
	rec.Info("fetch", "sheet window read", map[string]interface{}{
		"rows": len(rows), "from": first, "batch": batchNumber,
	})

	if len(rows) > 0 {
		// An existing table gains any new sheet columns as nullable
		// strings before the load, so no row is rejected for shape.
		if !st.IsNewTable {
			sinkSchema, err := e.loader.TableMetadata(ctx, job.BigQuery.ProjectID, job.BigQuery.Dataset, job.BigQuery.Table)
			if err != nil && !ratatosk.IsKind(err, ratatosk.KindNotFound) {
				return nil, err
			}
			var missing []string
			for _, h := range st.Headers {
				if !sinkSchema.Has(h) {
					missing = append(missing, h)
				}
			}
			if len(missing) > 0 {
				if err := e.loader.UpdateSchema(ctx, job.BigQuery.ProjectID, job.BigQuery.Dataset, job.BigQuery.Table, missing); err != nil {
					return nil, err
				}
				rec.Info("reconcile", "destination schema extended", map[string]interface{}{"columns": missing})
			}
		}

		ndjson, err := buildNDJSON(st.Headers, rows)
		if err != nil {
			return nil, err
		}

		mode := bigquery.LoadTruncate
		if job.Sheets.Append || batchNumber > 1 {
			mode = bigquery.LoadAppend
		}
		var schema ratatosk.Schema
		if st.IsNewTable && batchNumber == 1 {
			schema = inferSchema(st.Headers, rows)
			st.Schema = schema
		}
		result, err := e.loader.LoadNDJSON(ctx, job.BigQuery.ProjectID, job.BigQuery.Dataset, job.BigQuery.Table, ndjson, mode, schema)
		if err != nil {
			return nil, err
		}
		loadJobs.WithLabelValues(job.ID).Inc()
		st.RowsProcessed += result.OutputRows
		meta := map[string]interface{}{
			"rows": result.OutputRows, "mode": string(mode), "job": result.JobID,
		}
		if result.BadRecords > 0 {
			meta["badRecords"] = result.BadRecords
			meta["errors"] = result.Errors
			rec.Warning("load", "load finished with bad records", meta)
		} else {
			rec.Info("load", "load finished", meta)
		}
	}

	if len(rows) == e.cfg.PageSize {
		st.NextRow = last + 1
		if err := e.states.SaveSheet(ctx, job.ID, runID, st); err != nil {
			return nil, err
		}
		if err := rec.Flush(ctx); err != nil {
			e.logger.Warn("failed to flush run log", "job", job.ID, "run", runID, "error", err)
		}
		return &BatchResult{
			RunID:         runID,
			HasMore:       true,
			NextBatch:     batchNumber + 1,
			RowsProcessed: int64(len(rows)),
		}, nil
	}

	sum := summary(st.RowsProcessed, 0, false, time.Since(st.StartedAt))
	if err := e.finishRun(ctx, job, rec, runID, sum); err != nil {
		return nil, err
	}
	return &BatchResult{
		RunID:         runID,
		RowsProcessed: int64(len(rows)),
		Summary:       sum,
	}, nil
}

var headerInvalidRe = regexp.MustCompile(`[^a-z0-9_]+`)

// sanitizeHeader turns a sheet header into a column name the warehouse
// accepts: lowercase [a-z0-9_], never starting with a digit, never empty.
func sanitizeHeader(h string, idx int) string {
	h = headerInvalidRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(h)), "_")
	h = strings.Trim(h, "_")
	if h == "" {
		return fmt.Sprintf("column_%d", idx+1)
	}
	if h[0] >= '0' && h[0] <= '9' {
		h = "_" + h
	}
	return h
}

// quoteSheetName wraps a tab name in single quotes for A1 notation.
func quoteSheetName(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

var (
	dateRe      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timestampRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2})?`)
	floatRe     = regexp.MustCompile(`^-?\d+\.\d+$`)
	integerRe   = regexp.MustCompile(`^-?\d+$`)
)

// buildNDJSON renders one sheet window as newline-delimited JSON keyed by
// the sanitized headers. Empty cells become null, cells that look like
// timestamps are normalized so the warehouse can parse them.
func buildNDJSON(headers []string, rows [][]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		record := make(map[string]interface{}, len(headers))
		for i, h := range headers {
			if i >= len(row) {
				record[h] = nil
				continue
			}
			record[h] = normalizeCell(row[i])
		}
		if err := enc.Encode(record); err != nil {
			return nil, ratatosk.Wrap(ratatosk.KindLoadJobFailed, err, "failed to encode sheet row")
		}
	}
	return buf.Bytes(), nil
}

func normalizeCell(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if timestampRe.MatchString(s) {
		if ts, ok := parseTimestamp(s); ok {
			return ts
		}
	}
	return s
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	time.RFC3339,
}

// parseTimestamp coerces timestamp-looking cells to the warehouse's
// YYYY-MM-DD HH:MM:SS form.
func parseTimestamp(s string) (string, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02 15:04:05"), true
		}
	}
	return "", false
}

// inferSchema scans each column's non-empty values and picks the first
// class every value satisfies, in the order date, timestamp, float,
// integer, string.
func inferSchema(headers []string, rows [][]interface{}) ratatosk.Schema {
	schema := make(ratatosk.Schema, len(headers))
	for i, h := range headers {
		schema[i] = ratatosk.Field{Name: h, Type: inferColumn(i, rows), Nullable: true}
	}
	return schema
}

func inferColumn(col int, rows [][]interface{}) ratatosk.FieldType {
	classes := []struct {
		re *regexp.Regexp
		ft ratatosk.FieldType
	}{
		{dateRe, ratatosk.TypeDate},
		{timestampRe, ratatosk.TypeTimestamp},
		{floatRe, ratatosk.TypeFloat},
		{integerRe, ratatosk.TypeInt},
	}
	for _, class := range classes {
		matched := 0
		all := true
		for _, row := range rows {
			if col >= len(row) {
				continue
			}
			s := strings.TrimSpace(fmt.Sprintf("%v", row[col]))
			if s == "" {
				continue
			}
			if class.re.MatchString(s) {
				matched++
			} else {
				all = false
				break
			}
		}
		if all && matched > 0 {
			return class.ft
		}
	}
	return ratatosk.TypeString
}

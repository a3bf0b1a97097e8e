package bigquery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/user/ratatosk"
	bq "google.golang.org/api/bigquery/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// Query submits sql and returns an iterator over the result rows. The
// iterator follows continuation tokens transparently; Next returns
// iterator.Done after the last row.
func (c *Client) Query(ctx context.Context, project, sql string, forceString map[string]bool) (*RowIterator, error) {
	req := &bq.QueryRequest{
		Query: sql,
		// Must be sent explicitly: the API defaults to legacy SQL, which
		// rejects backtick-quoted GoogleSQL identifiers.
		UseLegacySql: googleapi.Bool(false),
		TimeoutMs:    c.cfg.QueryTimeout.Milliseconds(),
	}
	resp, err := c.svc.Jobs.Query(project, req).Context(ctx).Do()
	if err != nil {
		return nil, classifyQueryError(err)
	}

	it := &RowIterator{
		client:  c,
		project: project,
		force:   forceString,
	}
	if resp.JobReference != nil {
		it.jobID = resp.JobReference.JobId
		it.location = resp.JobReference.Location
	}

	if !resp.JobComplete {
		if err := it.waitComplete(ctx); err != nil {
			return nil, err
		}
		return it, nil
	}

	it.setSchema(resp.Schema)
	it.rows = resp.Rows
	it.pageToken = resp.PageToken
	return it, nil
}

// RowIterator yields query rows as name-keyed mappings typed by the
// result schema.
type RowIterator struct {
	client   *Client
	project  string
	jobID    string
	location string
	force    map[string]bool

	schema  ratatosk.Schema
	bqTypes []string

	rows      []*bq.TableRow
	idx       int
	pageToken string
}

// Schema returns the result schema. It is available after Query returns.
func (it *RowIterator) Schema() ratatosk.Schema {
	return it.schema
}

// Next returns the next row, or iterator.Done when the result set is
// exhausted.
func (it *RowIterator) Next(ctx context.Context) (ratatosk.Row, error) {
	for it.idx >= len(it.rows) {
		if it.pageToken == "" {
			return nil, iterator.Done
		}
		if err := it.fetchPage(ctx); err != nil {
			return nil, err
		}
	}
	row := it.rows[it.idx]
	it.idx++
	return it.convertRow(row)
}

// waitComplete re-polls an incomplete query job a bounded number of times.
func (it *RowIterator) waitComplete(ctx context.Context) error {
	for attempt := 0; attempt < it.client.cfg.MaxQueryPolls; attempt++ {
		call := it.client.svc.Jobs.GetQueryResults(it.project, it.jobID).
			TimeoutMs(it.client.cfg.QueryTimeout.Milliseconds()).
			Context(ctx)
		if it.location != "" {
			call = call.Location(it.location)
		}
		resp, err := call.Do()
		if err != nil {
			return classifyQueryError(err)
		}
		if resp.JobComplete {
			it.setSchema(resp.Schema)
			it.rows = resp.Rows
			it.idx = 0
			it.pageToken = resp.PageToken
			return nil
		}
		select {
		case <-ctx.Done():
			return ratatosk.Wrap(ratatosk.KindQueryIncomplete, ctx.Err(), "query job %s interrupted", it.jobID)
		case <-time.After(it.client.cfg.PollInterval):
		}
	}
	return ratatosk.E(ratatosk.KindQueryIncomplete, "query job %s did not complete within the synchronous window", it.jobID)
}

func (it *RowIterator) fetchPage(ctx context.Context) error {
	call := it.client.svc.Jobs.GetQueryResults(it.project, it.jobID).
		PageToken(it.pageToken).
		Context(ctx)
	if it.location != "" {
		call = call.Location(it.location)
	}
	resp, err := call.Do()
	if err != nil {
		return ratatosk.Wrap(ratatosk.KindPaginationFailed, err, "failed to fetch result page for job %s", it.jobID)
	}
	if it.schema == nil {
		it.setSchema(resp.Schema)
	}
	it.rows = resp.Rows
	it.idx = 0
	it.pageToken = resp.PageToken
	return nil
}

func (it *RowIterator) setSchema(ts *bq.TableSchema) {
	if ts == nil {
		return
	}
	it.schema = schemaFromBQ(ts)
	it.bqTypes = make([]string, len(ts.Fields))
	for i, f := range ts.Fields {
		it.bqTypes[i] = f.Type
	}
}

func (it *RowIterator) convertRow(tr *bq.TableRow) (ratatosk.Row, error) {
	if len(tr.F) != len(it.schema) {
		return nil, ratatosk.E(ratatosk.KindPaginationFailed, "row has %d cells, schema has %d fields", len(tr.F), len(it.schema))
	}
	row := make(ratatosk.Row, len(tr.F))
	for i, cell := range tr.F {
		field := it.schema[i]
		row[field.Name] = it.convertCell(cell.V, it.bqTypes[i], field.Name)
	}
	return row, nil
}

// convertCell turns the JSON API's string-encoded scalars into typed Go
// values. Integers stay strings past the safe range or when the column is
// force-string; timestamps arrive as epoch seconds and leave as RFC 3339.
func (it *RowIterator) convertCell(v interface{}, bqType, column string) interface{} {
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v)
	}

	switch bqType {
	case "INTEGER", "INT64":
		if it.force[column] {
			return s
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n > ratatosk.MaxSafeInt || n < -ratatosk.MaxSafeInt {
			return s
		}
		return n
	case "FLOAT", "FLOAT64":
		if it.force[column] {
			return s
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return s
		}
		return f
	case "BOOLEAN", "BOOL":
		return s == "true"
	case "TIMESTAMP":
		return epochToRFC3339(s)
	default:
		// DATE, DATETIME, NUMERIC and everything else pass through as
		// returned; NUMERIC keeps its exact decimal form.
		return s
	}
}

// epochToRFC3339 converts BigQuery's epoch-seconds timestamp encoding
// (possibly fractional, possibly scientific notation) to RFC 3339 UTC.
func epochToRFC3339(s string) string {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC().Format(time.RFC3339Nano)
}

func classifyQueryError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 400, 403, 404:
			return ratatosk.Wrap(ratatosk.KindQueryRejected, err, "query rejected")
		}
	}
	return ratatosk.Wrap(ratatosk.KindSourceUnavailable, err, "query transport failed")
}

package bigquery

import (
	"bytes"
	"context"
	"time"

	"github.com/user/ratatosk"
	bq "google.golang.org/api/bigquery/v2"
	"google.golang.org/api/googleapi"
)

// LoadMode selects the write disposition of a load job.
type LoadMode string

const (
	LoadAppend   LoadMode = "append"
	LoadTruncate LoadMode = "truncate"
)

// LoadResult is the terminal outcome of a load job.
type LoadResult struct {
	JobID      string
	OutputRows int64
	BadRecords int64
	Errors     []string
}

// LoadNDJSON submits a multipart newline-delimited JSON load and polls the
// job until it reaches a terminal state. schema is supplied only when the
// destination table is being created; otherwise the existing table schema
// applies and columns absent from the payload stay NULL.
func (c *Client) LoadNDJSON(ctx context.Context, project, dataset, table string, ndjson []byte, mode LoadMode, schema ratatosk.Schema) (*LoadResult, error) {
	disposition := "WRITE_APPEND"
	if mode == LoadTruncate {
		disposition = "WRITE_TRUNCATE"
	}

	load := &bq.JobConfigurationLoad{
		DestinationTable: &bq.TableReference{
			ProjectId: project,
			DatasetId: dataset,
			TableId:   table,
		},
		SourceFormat:     "NEWLINE_DELIMITED_JSON",
		WriteDisposition: disposition,
	}
	if schema != nil {
		fields := make([]*bq.TableFieldSchema, len(schema))
		for i, f := range schema {
			fields[i] = &bq.TableFieldSchema{
				Name: f.Name,
				Type: fieldTypeToBQ(f.Type),
				Mode: "NULLABLE",
			}
		}
		load.Schema = &bq.TableSchema{Fields: fields}
	}

	job := &bq.Job{Configuration: &bq.JobConfiguration{Load: load}}
	inserted, err := c.svc.Jobs.Insert(project, job).
		Media(bytes.NewReader(ndjson), googleapi.ContentType("application/json")).
		Context(ctx).
		Do()
	if err != nil {
		return nil, ratatosk.Wrap(ratatosk.KindLoadJobFailed, err, "failed to submit load job for %s.%s.%s", project, dataset, table)
	}

	jobID := ""
	location := ""
	if inserted.JobReference != nil {
		jobID = inserted.JobReference.JobId
		location = inserted.JobReference.Location
	}

	final := inserted
	for final.Status == nil || final.Status.State != "DONE" {
		select {
		case <-ctx.Done():
			return nil, ratatosk.Wrap(ratatosk.KindLoadJobFailed, ctx.Err(), "load job %s interrupted", jobID)
		case <-time.After(c.cfg.PollInterval):
		}
		call := c.svc.Jobs.Get(project, jobID).Context(ctx)
		if location != "" {
			call = call.Location(location)
		}
		final, err = call.Do()
		if err != nil {
			return nil, ratatosk.Wrap(ratatosk.KindLoadJobFailed, err, "failed to poll load job %s", jobID)
		}
	}

	result := &LoadResult{JobID: jobID}
	if final.Statistics != nil && final.Statistics.Load != nil {
		result.OutputRows = final.Statistics.Load.OutputRows
		result.BadRecords = final.Statistics.Load.BadRecords
	}
	for _, e := range final.Status.Errors {
		result.Errors = append(result.Errors, e.Message)
	}
	if final.Status.ErrorResult != nil {
		msg := final.Status.ErrorResult.Message
		if len(result.Errors) > 0 {
			msg = result.Errors[0]
		}
		return result, ratatosk.E(ratatosk.KindLoadJobFailed, "load job %s failed: %s", jobID, msg)
	}
	return result, nil
}

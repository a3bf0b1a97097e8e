// Package jobstore persists job configurations and their last-run
// summaries in the shared KV store under job:{id}.
package jobstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/user/ratatosk"
	"github.com/user/ratatosk/pkg/kv"
)

// OnDateTie policies for the incremental filter on batch 1.
const (
	TieSkip      = "skip"
	TieReprocess = "reprocess"
)

// BigQueryOptions locate the warehouse table and tune extraction.
type BigQueryOptions struct {
	ProjectID         string   `json:"projectId,omitempty"`
	Dataset           string   `json:"dataset,omitempty"`
	Table             string   `json:"table,omitempty"`
	IncrementalColumn string   `json:"incrementalColumn,omitempty"`
	ForceStringFields []string `json:"forceStringFields,omitempty"`
	OnDateTie         string   `json:"onDateTie,omitempty"`
}

// SupabaseOptions locate the sink table and its unique key.
type SupabaseOptions struct {
	Table         string   `json:"table,omitempty"`
	UpsertColumns []string `json:"upsertColumns,omitempty"`
}

// SheetsOptions locate the spreadsheet for ingest jobs.
type SheetsOptions struct {
	URL       string `json:"url,omitempty"`
	SheetName string `json:"sheetName,omitempty"`
	Append    bool   `json:"append,omitempty"`
}

// Job is one configured synchronization.
type Job struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Type         ratatosk.JobType `json:"type"`
	Enabled      bool             `json:"enabled"`
	CronSchedule string           `json:"cronSchedule,omitempty"`

	BigQuery BigQueryOptions `json:"bigquery"`
	Supabase SupabaseOptions `json:"supabase"`
	Sheets   SheetsOptions   `json:"sheets"`

	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastSummary string `json:"lastSummary,omitempty"`
	LastRunAt   string `json:"lastRunAt,omitempty"`
}

// Validate normalizes defaults in place and rejects configurations the
// engine cannot run.
func (j *Job) Validate() error {
	if j.Type == "" {
		j.Type = ratatosk.JobBQToSupabase
	}
	if j.Name == "" {
		return ratatosk.E(ratatosk.KindConfigInvalid, "job name is required")
	}
	if j.BigQuery.ProjectID == "" || j.BigQuery.Dataset == "" || j.BigQuery.Table == "" {
		return ratatosk.E(ratatosk.KindConfigInvalid, "bigquery project, dataset and table are required")
	}

	switch j.Type {
	case ratatosk.JobBQToSupabase:
		if j.Supabase.Table == "" {
			return ratatosk.E(ratatosk.KindConfigInvalid, "supabase table is required")
		}
		if len(j.Supabase.UpsertColumns) == 0 {
			return ratatosk.E(ratatosk.KindConfigInvalid, "at least one upsert column is required")
		}
		switch j.BigQuery.OnDateTie {
		case "":
			j.BigQuery.OnDateTie = TieSkip
		case TieSkip, TieReprocess:
		default:
			return ratatosk.E(ratatosk.KindConfigInvalid, "unknown onDateTie policy %q", j.BigQuery.OnDateTie)
		}
	case ratatosk.JobSheetsToBQ:
		if j.Sheets.URL == "" {
			return ratatosk.E(ratatosk.KindConfigInvalid, "sheet url is required")
		}
	default:
		return ratatosk.E(ratatosk.KindConfigInvalid, "unknown job type %q", j.Type)
	}

	if j.CronSchedule != "" {
		if _, err := cron.ParseStandard(j.CronSchedule); err != nil {
			return ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid cron expression %q", j.CronSchedule)
		}
	}
	return nil
}

func jobKey(id string) string { return "job:" + id }

// Store is the job configuration store.
type Store struct {
	kv kv.Store
}

func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// List returns all jobs sorted by name then id.
func (s *Store) List(ctx context.Context) ([]Job, error) {
	keys, err := s.kv.List(ctx, "job:")
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(keys))
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].Name != jobs[k].Name {
			return jobs[i].Name < jobs[k].Name
		}
		return jobs[i].ID < jobs[k].ID
	})
	return jobs, nil
}

// Get returns one job, or nil when the id is unknown.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.kv.Get(ctx, jobKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Create validates and stores a new job, assigning an id when absent.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return s.save(ctx, job)
}

// Update validates and replaces an existing job.
func (s *Store) Update(ctx context.Context, id string, job *Job) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ratatosk.E(ratatosk.KindNotFound, "job %s not found", id)
	}
	job.ID = id
	if err := job.Validate(); err != nil {
		return err
	}
	return s.save(ctx, job)
}

// Delete removes a job configuration.
func (s *Store) Delete(ctx context.Context, id string) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ratatosk.E(ratatosk.KindNotFound, "job %s not found", id)
	}
	return s.kv.Delete(ctx, jobKey(id))
}

// RecordSuccess stamps a terminal success onto the job: summary set,
// error cleared.
func (s *Store) RecordSuccess(ctx context.Context, id, summary string) error {
	return s.recordResult(ctx, id, func(job *Job) {
		job.LastStatus = "success"
		job.LastError = ""
		job.LastSummary = summary
		job.LastRunAt = time.Now().UTC().Format(time.RFC3339)
	})
}

// RecordError stamps a failure onto the job: error set, summary left
// as it was.
func (s *Store) RecordError(ctx context.Context, id, message string) error {
	return s.recordResult(ctx, id, func(job *Job) {
		job.LastStatus = "error"
		job.LastError = message
		job.LastRunAt = time.Now().UTC().Format(time.RFC3339)
	})
}

func (s *Store) recordResult(ctx context.Context, id string, apply func(*Job)) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return ratatosk.E(ratatosk.KindNotFound, "job %s not found", id)
	}
	apply(job)
	return s.save(ctx, job)
}

func (s *Store) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, jobKey(job.ID), data, 0)
}

package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/ratatosk"
	"github.com/user/ratatosk/internal/engine"
	"github.com/user/ratatosk/internal/jobstore"
	"github.com/user/ratatosk/pkg/kv"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() kv.Store { return &memKV{data: map[string][]byte{}} }

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memKV) Close() error { return nil }

type recordingRunner struct {
	mu  sync.Mutex
	ran []string
}

func (r *recordingRunner) RunToCompletion(_ context.Context, job *jobstore.Job, _ time.Duration) (*engine.BatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, job.Name)
	return &engine.BatchResult{RunID: "run-" + job.Name, Summary: "0 rows synced in 0m 0s"}, nil
}

func addJob(t *testing.T, jobs *jobstore.Store, name string, typ ratatosk.JobType, cronExpr string, enabled bool) {
	t.Helper()
	job := &jobstore.Job{
		Name:         name,
		Type:         typ,
		Enabled:      enabled,
		CronSchedule: cronExpr,
		BigQuery:     jobstore.BigQueryOptions{ProjectID: "p", Dataset: "d", Table: "t"},
		Supabase:     jobstore.SupabaseOptions{Table: "t", UpsertColumns: []string{"id"}},
		Sheets:       jobstore.SheetsOptions{URL: "abc123"},
	}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
}

func TestSweepMatchesExpressionExactly(t *testing.T) {
	jobs := jobstore.New(newMemKV())
	addJob(t, jobs, "hourly", ratatosk.JobBQToSupabase, "0 * * * *", true)
	addJob(t, jobs, "daily", ratatosk.JobBQToSupabase, "0 3 * * *", true)
	addJob(t, jobs, "disabled", ratatosk.JobBQToSupabase, "0 * * * *", false)

	runner := &recordingRunner{}
	s := New(Config{}, jobs, runner, nil)
	s.Sweep(context.Background(), "0 * * * *")

	if len(runner.ran) != 1 || runner.ran[0] != "hourly" {
		t.Fatalf("ran %v, want only the enabled hourly job", runner.ran)
	}
}

func TestSweepRunsSheetJobsFirst(t *testing.T) {
	jobs := jobstore.New(newMemKV())
	addJob(t, jobs, "a-mirror", ratatosk.JobBQToSupabase, "0 * * * *", true)
	addJob(t, jobs, "z-ingest", ratatosk.JobSheetsToBQ, "0 * * * *", true)

	runner := &recordingRunner{}
	s := New(Config{}, jobs, runner, nil)
	s.Sweep(context.Background(), "0 * * * *")

	if len(runner.ran) != 2 || runner.ran[0] != "z-ingest" || runner.ran[1] != "a-mirror" {
		t.Fatalf("ran %v, want the sheet ingest first", runner.ran)
	}
}

func TestRefreshTracksExpressionSet(t *testing.T) {
	store := newMemKV()
	jobs := jobstore.New(store)
	addJob(t, jobs, "one", ratatosk.JobBQToSupabase, "*/5 * * * *", true)

	s := New(Config{}, jobs, &recordingRunner{}, nil)
	ctx := context.Background()
	if err := s.refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if len(s.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(s.entries))
	}

	addJob(t, jobs, "two", ratatosk.JobBQToSupabase, "0 12 * * *", true)
	if err := s.refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if len(s.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(s.entries))
	}

	// Dropping every job clears the matching entries.
	list, _ := jobs.List(ctx)
	for _, j := range list {
		if err := jobs.Delete(ctx, j.ID); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if len(s.entries) != 0 {
		t.Fatalf("entries = %d, want 0 after removing all jobs", len(s.entries))
	}
}

func TestNextFire(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)
	next, err := NextFire("0 * * * *", now)
	if err != nil {
		t.Fatal(err)
	}
	if next != time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC) {
		t.Fatalf("next = %v", next)
	}
	if _, err := NextFire("not a cron", now); err == nil {
		t.Fatal("expected parse error")
	}
}

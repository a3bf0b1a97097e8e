// Package scheduler fires configured jobs from their cron expressions.
// One cron entry exists per distinct expression; a firing runs every
// enabled job whose expression matches it exactly, sheet ingests before
// the table syncs that may depend on them.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/user/ratatosk"
	"github.com/user/ratatosk/internal/engine"
	"github.com/user/ratatosk/internal/jobstore"
)

// Runner drives one job to completion. *engine.Engine satisfies it.
type Runner interface {
	RunToCompletion(ctx context.Context, job *jobstore.Job, batchTimeout time.Duration) (*engine.BatchResult, error)
}

// Config tunes the scheduler.
type Config struct {
	RefreshInterval time.Duration // how often the job set is re-read
	BatchTimeout    time.Duration // deadline per batch
}

func (c *Config) withDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 30 * time.Second
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 2 * time.Minute
	}
}

// Scheduler owns the cron entries and the sequential sweep loop.
type Scheduler struct {
	cfg    Config
	jobs   *jobstore.Store
	runner Runner
	logger ratatosk.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

func New(cfg Config, jobs *jobstore.Store, runner Runner, logger ratatosk.Logger) *Scheduler {
	cfg.withDefaults()
	if logger == nil {
		logger = ratatosk.NewDefaultLogger()
	}
	return &Scheduler{
		cfg:     cfg,
		jobs:    jobs,
		runner:  runner,
		logger:  logger,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start runs the scheduler until ctx is cancelled. Entries are rebuilt
// whenever the set of distinct cron expressions changes.
func (s *Scheduler) Start(ctx context.Context) {
	if err := s.refresh(ctx); err != nil {
		s.logger.Error("failed to load schedules", "error", err)
	}
	s.cron.Start()
	defer s.cron.Stop()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refresh(ctx); err != nil {
				s.logger.Error("failed to refresh schedules", "error", err)
			}
		}
	}
}

// refresh aligns the cron entries with the expressions currently in use.
func (s *Scheduler) refresh(ctx context.Context) error {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return err
	}
	want := make(map[string]bool)
	for _, job := range jobs {
		if job.CronSchedule != "" {
			want[job.CronSchedule] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for expr, id := range s.entries {
		if !want[expr] {
			s.cron.Remove(id)
			delete(s.entries, expr)
		}
	}
	for expr := range want {
		if _, ok := s.entries[expr]; ok {
			continue
		}
		expr := expr
		id, err := s.cron.AddFunc(expr, func() { s.Sweep(ctx, expr) })
		if err != nil {
			s.logger.Error("invalid cron expression", "expression", expr, "error", err)
			continue
		}
		s.entries[expr] = id
	}
	return nil
}

// Sweep runs every enabled job whose expression equals expr, one after
// another, sheet ingest jobs first.
func (s *Scheduler) Sweep(ctx context.Context, expr string) {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		s.logger.Error("failed to list jobs for sweep", "expression", expr, "error", err)
		return
	}
	matched := jobs[:0]
	for _, job := range jobs {
		if job.Enabled && job.CronSchedule == expr {
			matched = append(matched, job)
		}
	}
	SortForDispatch(matched)

	for i := range matched {
		job := matched[i]
		if ctx.Err() != nil {
			return
		}
		res, err := s.runner.RunToCompletion(ctx, &job, s.cfg.BatchTimeout)
		if err != nil {
			s.logger.Error("scheduled run failed", "job", job.ID, "error", err)
			continue
		}
		s.logger.Info("scheduled run finished", "job", job.ID, "run", res.RunID, "summary", res.Summary)
	}
}

// SortForDispatch orders jobs for a sweep: sheet-to-warehouse loads
// before warehouse-to-sink mirrors, stable by name within each group.
func SortForDispatch(jobs []jobstore.Job) {
	rank := func(t ratatosk.JobType) int {
		if t == ratatosk.JobSheetsToBQ {
			return 0
		}
		return 1
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		return rank(jobs[i].Type) < rank(jobs[k].Type)
	})
}

// NextFire returns the next time expr would fire after now, for the
// schedule read endpoint.
func NextFire(expr string, now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}

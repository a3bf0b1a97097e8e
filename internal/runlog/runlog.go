// Package runlog keeps per-run diagnostic logs in the shared KV store,
// with sensitive metadata redacted before anything is written. Entries
// expire after a day; the per-job run index is kept for a month.
package runlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/user/ratatosk"
	"github.com/user/ratatosk/pkg/kv"
)

type Level string

const (
	LevelInfo    Level = "INFO"
	LevelSuccess Level = "SUCCESS"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
	LevelDebug   Level = "DEBUG"
)

// Run status values recorded in the per-job run index.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

const (
	entryTTL         = 24 * time.Hour
	indexTTL         = 30 * 24 * time.Hour
	maxEntriesPerRun = 500
	maxRunsPerJob    = 50
)

// Entry is one diagnostic event within a run.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     Level                  `json:"level"`
	Phase     string                 `json:"phase"`
	Job       string                 `json:"job"`
	RunID     string                 `json:"runId"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// RunInfo is one row of the per-job run index, newest first.
type RunInfo struct {
	RunID     string `json:"runId"`
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	StartedAt string `json:"startedAt"`
	EndedAt   string `json:"endedAt,omitempty"`
}

type latestPointer struct {
	RunID     string `json:"runId"`
	Timestamp string `json:"timestamp"`
}

func logKey(jobID, runID string) string { return "logs:" + jobID + ":" + runID }
func latestKey(jobID string) string     { return "logs:" + jobID + ":latest" }
func runsKey(jobID string) string       { return "jobRuns:" + jobID }

// Store reads and writes run logs and the run index.
type Store struct {
	kv     kv.Store
	logger ratatosk.Logger
}

func NewStore(store kv.Store, logger ratatosk.Logger) *Store {
	if logger == nil {
		logger = ratatosk.NewDefaultLogger()
	}
	return &Store{kv: store, logger: logger}
}

// StartRun registers a new run in the job's index, points the latest
// marker at it and returns a Recorder for its entries.
func (s *Store) StartRun(ctx context.Context, jobID, jobName, runID string) (*Recorder, error) {
	now := nowISO()
	runs, err := s.loadRuns(ctx, jobID)
	if err != nil {
		return nil, err
	}
	runs = append([]RunInfo{{
		RunID:     runID,
		JobID:     jobID,
		Status:    StatusRunning,
		StartedAt: now,
	}}, runs...)
	if len(runs) > maxRunsPerJob {
		runs = runs[:maxRunsPerJob]
	}
	if err := s.saveRuns(ctx, jobID, runs); err != nil {
		return nil, err
	}
	if err := s.saveLatest(ctx, jobID, latestPointer{RunID: runID, Timestamp: now}); err != nil {
		return nil, err
	}
	return s.ResumeRun(jobID, jobName, runID), nil
}

// ResumeRun returns a Recorder for a run that is already indexed, for
// continuation batches.
func (s *Store) ResumeRun(jobID, jobName, runID string) *Recorder {
	return &Recorder{store: s, jobID: jobID, jobName: jobName, runID: runID}
}

// EndRun marks the run terminal in the index. A run that has already
// fallen out of the index is re-inserted so the outcome stays visible.
func (s *Store) EndRun(ctx context.Context, jobID, runID, status string) error {
	runs, err := s.loadRuns(ctx, jobID)
	if err != nil {
		return err
	}
	now := nowISO()
	found := false
	for i := range runs {
		if runs[i].RunID == runID {
			runs[i].Status = status
			runs[i].EndedAt = now
			found = true
			break
		}
	}
	if !found {
		runs = append([]RunInfo{{
			RunID:     runID,
			JobID:     jobID,
			Status:    status,
			StartedAt: now,
			EndedAt:   now,
		}}, runs...)
		if len(runs) > maxRunsPerJob {
			runs = runs[:maxRunsPerJob]
		}
	}
	return s.saveRuns(ctx, jobID, runs)
}

// ListRuns returns the job's run index, newest first.
func (s *Store) ListRuns(ctx context.Context, jobID string) ([]RunInfo, error) {
	return s.loadRuns(ctx, jobID)
}

// Read returns entries for one run, oldest first. An empty runID reads
// the run the latest marker points at. A positive limit keeps only the
// newest entries.
func (s *Store) Read(ctx context.Context, jobID, runID string, limit int) ([]Entry, error) {
	if runID == "" {
		data, err := s.kv.Get(ctx, latestKey(jobID))
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, nil
		}
		var latest latestPointer
		if err := json.Unmarshal(data, &latest); err != nil {
			return nil, err
		}
		runID = latest.RunID
	}
	entries, err := s.loadEntries(ctx, logKey(jobID, runID))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Clear removes log entries. With a runID only that run's entries go;
// without one every run of the job is wiped, along with the latest
// marker and the run index. Returns how many entries were removed.
func (s *Store) Clear(ctx context.Context, jobID, runID string) (int, error) {
	if runID != "" {
		key := logKey(jobID, runID)
		entries, err := s.loadEntries(ctx, key)
		if err != nil {
			return 0, err
		}
		if err := s.kv.Delete(ctx, key); err != nil {
			return 0, err
		}
		runs, err := s.loadRuns(ctx, jobID)
		if err != nil {
			return len(entries), err
		}
		kept := runs[:0]
		for _, r := range runs {
			if r.RunID != runID {
				kept = append(kept, r)
			}
		}
		if err := s.saveRuns(ctx, jobID, kept); err != nil {
			return len(entries), err
		}
		return len(entries), nil
	}

	keys, err := s.kv.List(ctx, "logs:"+jobID+":")
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, key := range keys {
		if key != latestKey(jobID) {
			entries, err := s.loadEntries(ctx, key)
			if err != nil {
				return deleted, err
			}
			deleted += len(entries)
		}
		if err := s.kv.Delete(ctx, key); err != nil {
			return deleted, err
		}
	}
	if err := s.kv.Delete(ctx, runsKey(jobID)); err != nil {
		return deleted, err
	}
	return deleted, nil
}

func (s *Store) loadRuns(ctx context.Context, jobID string) ([]RunInfo, error) {
	data, err := s.kv.Get(ctx, runsKey(jobID))
	if err != nil || data == nil {
		return nil, err
	}
	var runs []RunInfo
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *Store) saveRuns(ctx context.Context, jobID string, runs []RunInfo) error {
	data, err := json.Marshal(runs)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, runsKey(jobID), data, indexTTL)
}

func (s *Store) saveLatest(ctx context.Context, jobID string, latest latestPointer) error {
	data, err := json.Marshal(latest)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, latestKey(jobID), data, entryTTL)
}

func (s *Store) loadEntries(ctx context.Context, key string) ([]Entry, error) {
	data, err := s.kv.Get(ctx, key)
	if err != nil || data == nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Recorder buffers entries for one run in memory. Nothing is persisted
// until Flush, so logging inside the batch stays cheap and a failed
// flush can put its entries back.
type Recorder struct {
	store   *Store
	jobID   string
	jobName string
	runID   string

	mu  sync.Mutex
	buf []Entry
}

func (r *Recorder) RunID() string { return r.runID }

// Log appends one entry with redacted metadata.
func (r *Recorder) Log(level Level, phase, message string, metadata map[string]interface{}) {
	entry := Entry{
		Timestamp: nowISO(),
		Level:     level,
		Phase:     phase,
		Job:       r.jobName,
		RunID:     r.runID,
		Message:   message,
		Metadata:  Redact(metadata),
	}
	r.mu.Lock()
	r.buf = append(r.buf, entry)
	r.mu.Unlock()
}

func (r *Recorder) Info(phase, message string, metadata map[string]interface{}) {
	r.Log(LevelInfo, phase, message, metadata)
}

func (r *Recorder) Success(phase, message string, metadata map[string]interface{}) {
	r.Log(LevelSuccess, phase, message, metadata)
}

func (r *Recorder) Warning(phase, message string, metadata map[string]interface{}) {
	r.Log(LevelWarning, phase, message, metadata)
}

func (r *Recorder) Error(phase, message string, metadata map[string]interface{}) {
	r.Log(LevelError, phase, message, metadata)
}

func (r *Recorder) Debug(phase, message string, metadata map[string]interface{}) {
	r.Log(LevelDebug, phase, message, metadata)
}

// Flush merges buffered entries into the run's stored array, enforcing
// the per-run cap. Entries beyond the cap go to the process logger only.
// On a storage error the buffer is restored for the next attempt.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	buf := r.buf
	r.buf = nil
	r.mu.Unlock()
	if len(buf) == 0 {
		return nil
	}

	restore := func() {
		r.mu.Lock()
		r.buf = append(buf, r.buf...)
		r.mu.Unlock()
	}

	key := logKey(r.jobID, r.runID)
	existing, err := r.store.loadEntries(ctx, key)
	if err != nil {
		restore()
		return err
	}

	room := maxEntriesPerRun - len(existing)
	if room < 0 {
		room = 0
	}
	keep := buf
	if len(buf) > room {
		keep = buf[:room]
		for _, e := range buf[room:] {
			r.store.logger.Warn("run log cap reached, entry not persisted",
				"job", r.jobID, "run", r.runID, "phase", e.Phase, "level", string(e.Level), "message", e.Message)
		}
	}
	if len(keep) == 0 {
		return nil
	}

	data, err := json.Marshal(append(existing, keep...))
	if err != nil {
		restore()
		return err
	}
	if err := r.store.kv.Set(ctx, key, data, entryTTL); err != nil {
		restore()
		return err
	}
	return r.store.saveLatest(ctx, r.jobID, latestPointer{RunID: r.runID, Timestamp: nowISO()})
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

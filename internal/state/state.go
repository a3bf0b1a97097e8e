// Package state persists per-run resumption records between batches.
// Values live under sync_state:{job}:{run} with a day of TTL as a
// backstop against runs that never reach their terminal batch.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/user/ratatosk"
	"github.com/user/ratatosk/pkg/kv"
)

const stateTTL = 24 * time.Hour

// Cursor is the resumption position inside an ordered extraction: the
// incremental column value and the tie-breaker value of the last row
// consumed.
type Cursor struct {
	Inc interface{} `json:"inc"`
	Tie interface{} `json:"tie"`
}

// TableState is the resumption record for warehouse to sink runs.
type TableState struct {
	LastSyncValue  interface{}     `json:"lastSyncValue,omitempty"`
	Schema         ratatosk.Schema `json:"schema"`
	RowsProcessed  int64           `json:"rowsProcessed"`
	StartedAt      time.Time       `json:"startedAt"`
	SchemaSyncDone bool            `json:"schemaSyncDone"`
	Cursor         *Cursor         `json:"cursor,omitempty"`
}

// SheetState is the resumption record for sheet to warehouse runs.
// Pagination is a plain row offset; headers and the inferred schema are
// captured once on batch 1.
type SheetState struct {
	NextRow        int64           `json:"nextRow"`
	Headers        []string        `json:"headers"`
	Schema         ratatosk.Schema `json:"schema,omitempty"`
	IsNewTable     bool            `json:"isNewTable"`
	RowsProcessed  int64           `json:"rowsProcessed"`
	StartedAt      time.Time       `json:"startedAt"`
	SchemaSyncDone bool            `json:"schemaSyncDone"`
}

// Store reads and writes run state.
type Store struct {
	kv kv.Store
}

func New(store kv.Store) *Store {
	return &Store{kv: store}
}

func stateKey(jobID, runID string) string {
	return "sync_state:" + jobID + ":" + runID
}

// SaveTable overwrites the table-run state for (job, run).
func (s *Store) SaveTable(ctx context.Context, jobID, runID string, st *TableState) error {
	return s.save(ctx, jobID, runID, st)
}

// LoadTable returns the table-run state, or nil when none is stored.
func (s *Store) LoadTable(ctx context.Context, jobID, runID string) (*TableState, error) {
	var st TableState
	found, err := s.load(ctx, jobID, runID, &st)
	if err != nil || !found {
		return nil, err
	}
	return &st, nil
}

// SaveSheet overwrites the sheet-run state for (job, run).
func (s *Store) SaveSheet(ctx context.Context, jobID, runID string, st *SheetState) error {
	return s.save(ctx, jobID, runID, st)
}

// LoadSheet returns the sheet-run state, or nil when none is stored.
func (s *Store) LoadSheet(ctx context.Context, jobID, runID string) (*SheetState, error) {
	var st SheetState
	found, err := s.load(ctx, jobID, runID, &st)
	if err != nil || !found {
		return nil, err
	}
	return &st, nil
}

// Delete removes the run state. Missing keys are not an error, so the
// terminal batch can call this unconditionally.
func (s *Store) Delete(ctx context.Context, jobID, runID string) error {
	return s.kv.Delete(ctx, stateKey(jobID, runID))
}

func (s *Store) save(ctx context.Context, jobID, runID string, st interface{}) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, stateKey(jobID, runID), data, stateTTL)
}

// load decodes with UseNumber so cursor and last-sync values carried as
// numbers stay lossless when they flow back into SQL literals.
func (s *Store) load(ctx context.Context, jobID, runID string, st interface{}) (bool, error) {
	data, err := s.kv.Get(ctx, stateKey(jobID, runID))
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(st); err != nil {
		return false, err
	}
	return true, nil
}

package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/ratatosk"
	"google.golang.org/api/iterator"
)

// memKV is an in-memory kv.Store for engine tests.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: map[string][]byte{}}
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(value))
	copy(out, value)
	m.data[key] = out
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

// sliceIterator yields a fixed set of rows.
type sliceIterator struct {
	rows []ratatosk.Row
	idx  int
}

func (it *sliceIterator) Next(context.Context) (ratatosk.Row, error) {
	if it.idx >= len(it.rows) {
		return nil, iterator.Done
	}
	row := it.rows[it.idx]
	it.idx++
	return row, nil
}

// fakeSource answers metadata from a fixed schema and queries through a
// caller-supplied function. Every composed SQL string is recorded.
type fakeSource struct {
	schema  ratatosk.Schema
	metaErr error
	queryFn func(sql string) ([]ratatosk.Row, error)

	mu      sync.Mutex
	queries []string
}

func (s *fakeSource) TableMetadata(context.Context, string, string, string) (ratatosk.Schema, error) {
	if s.metaErr != nil {
		return nil, s.metaErr
	}
	return s.schema, nil
}

func (s *fakeSource) Query(_ context.Context, _ string, sql string, _ map[string]bool) (RowIterator, error) {
	s.mu.Lock()
	s.queries = append(s.queries, sql)
	s.mu.Unlock()
	rows, err := s.queryFn(sql)
	if err != nil {
		return nil, err
	}
	return &sliceIterator{rows: rows}, nil
}

func (s *fakeSource) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// fakeSink keeps an in-memory mirror keyed by the upsert-column tuple and
// records every DDL statement and upsert batch.
type fakeSink struct {
	mu         sync.Mutex
	rows       map[string]ratatosk.Row
	order      []string
	ddl        []string
	upserts    [][]ratatosk.Row
	deletes    int
	schema     ratatosk.Schema
	lastValue  interface{}
	upsertErr  error
	keyColumns []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{rows: map[string]ratatosk.Row{}}
}

func (f *fakeSink) Upsert(_ context.Context, _ string, conflictColumns []string, rows []ratatosk.Row) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	if len(rows) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyColumns = conflictColumns
	f.upserts = append(f.upserts, rows)
	for _, row := range rows {
		key, _ := canonicalKey(row, conflictColumns)
		if _, ok := f.rows[key]; !ok {
			f.order = append(f.order, key)
		}
		f.rows[key] = row
	}
	return nil
}

func (f *fakeSink) ExecDDL(_ context.Context, statement string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ddl = append(f.ddl, statement)
	return nil
}

func (f *fakeSink) LastValue(context.Context, string, string) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastValue, nil
}

func (f *fakeSink) Describe(context.Context, string) (ratatosk.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schema, nil
}

func (f *fakeSink) KeyPage(_ context.Context, _ string, columns []string, limit, offset int) ([]ratatosk.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var page []ratatosk.Row
	for i := offset; i < len(f.order) && len(page) < limit; i++ {
		full := f.rows[f.order[i]]
		row := make(ratatosk.Row, len(columns))
		for _, col := range columns {
			row[col] = full[col]
		}
		page = append(page, row)
	}
	return page, nil
}

func (f *fakeSink) Delete(_ context.Context, _ string, keyColumns []string, tuples [][]interface{}) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deleted := 0
	for _, tuple := range tuples {
		row := make(ratatosk.Row, len(keyColumns))
		for i, col := range keyColumns {
			row[col] = tuple[i]
		}
		key, _ := canonicalKey(row, keyColumns)
		if _, ok := f.rows[key]; ok {
			delete(f.rows, key)
			deleted++
			for i, k := range f.order {
				if k == key {
					f.order = append(f.order[:i], f.order[i+1:]...)
					break
				}
			}
		}
	}
	f.deletes += deleted
	return deleted, nil
}

// seed inserts rows directly, bypassing the upsert log, to model a sink
// populated by an earlier run.
func (f *fakeSink) seed(keyColumns []string, rows []ratatosk.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyColumns = keyColumns
	for _, row := range rows {
		key, _ := canonicalKey(row, keyColumns)
		if _, ok := f.rows[key]; !ok {
			f.order = append(f.order, key)
		}
		f.rows[key] = row
	}
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeSink) ddlStatements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ddl...)
}

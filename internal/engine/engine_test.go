package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/user/ratatosk"
	"github.com/user/ratatosk/internal/jobstore"
	"github.com/user/ratatosk/internal/runlog"
	"github.com/user/ratatosk/internal/state"
)

func testJob(t *testing.T, jobs *jobstore.Store, mutate func(*jobstore.Job)) *jobstore.Job {
	t.Helper()
	job := &jobstore.Job{
		Name:    "orders",
		Type:    ratatosk.JobBQToSupabase,
		Enabled: true,
		BigQuery: jobstore.BigQueryOptions{
			ProjectID:         "proj",
			Dataset:           "ds",
			Table:             "orders",
			IncrementalColumn: "d",
		},
		Supabase: jobstore.SupabaseOptions{
			Table:         "orders",
			UpsertColumns: []string{"id"},
		},
	}
	if mutate != nil {
		mutate(job)
	}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

type testHarness struct {
	engine *Engine
	jobs   *jobstore.Store
	states *state.Store
	logs   *runlog.Store
	kv     *memKV
}

func newHarness(t *testing.T, cfg Config, src *fakeSource, sink *fakeSink) *testHarness {
	t.Helper()
	store := newMemKV()
	jobs := jobstore.New(store)
	states := state.New(store)
	logs := runlog.NewStore(store, nil)
	eng := New(cfg, src, sink, nil, nil, jobs, states, logs, nil)
	return &testHarness{engine: eng, jobs: jobs, states: states, logs: logs, kv: store}
}

func sourceRows() []ratatosk.Row {
	return []ratatosk.Row{
		{"id": int64(1), "d": "2024-01-01", "v": int64(10)},
		{"id": int64(2), "d": "2024-01-02", "v": int64(20)},
	}
}

func ordersSchema() ratatosk.Schema {
	return ratatosk.Schema{
		{Name: "id", Type: ratatosk.TypeInt},
		{Name: "d", Type: ratatosk.TypeDate},
		{Name: "v", Type: ratatosk.TypeInt},
	}
}

func isKeyQuery(sql string) bool {
	return !strings.HasPrefix(sql, "SELECT *")
}

func TestSimpleIncrementalOneBatch(t *testing.T) {
	rows := sourceRows()
	src := &fakeSource{
		schema: ordersSchema(),
		queryFn: func(sql string) ([]ratatosk.Row, error) {
			if isKeyQuery(sql) {
				return []ratatosk.Row{{"id": int64(1)}, {"id": int64(2)}}, nil
			}
			return rows, nil
		},
	}
	sink := newFakeSink()
	h := newHarness(t, Config{}, src, sink)
	job := testJob(t, h.jobs, nil)

	res, err := h.engine.RunBatch(context.Background(), job, "", 1)
	if err != nil {
		t.Fatalf("batch 1: %v", err)
	}
	if res.HasMore {
		t.Fatal("expected terminal batch")
	}
	if sink.count() != 2 {
		t.Fatalf("sink has %d rows, want 2", sink.count())
	}
	if res.RowsDeleted != 0 {
		t.Fatalf("deleted %d rows, want 0", res.RowsDeleted)
	}
	if !strings.Contains(res.Summary, "2 rows synced") || !strings.Contains(res.Summary, "0 deleted") {
		t.Fatalf("summary %q", res.Summary)
	}

	got, err := h.jobs.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastStatus != "success" || got.LastSummary != res.Summary || got.LastError != "" {
		t.Fatalf("job result = %+v", got)
	}

	// Terminal success clears the run state.
	st, err := h.states.LoadTable(context.Background(), job.ID, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if st != nil {
		t.Fatal("run state survived a terminal batch")
	}
}

func TestTieBreakerPagination(t *testing.T) {
	all := []ratatosk.Row{
		{"id": int64(1), "d": "2024-01-03"},
		{"id": int64(2), "d": "2024-01-03"},
		{"id": int64(3), "d": "2024-01-03"},
		{"id": int64(4), "d": "2024-01-03"},
	}
	pageCalls := 0
	src := &fakeSource{
		schema: ratatosk.Schema{{Name: "id", Type: ratatosk.TypeInt}, {Name: "d", Type: ratatosk.TypeDate}},
		queryFn: func(sql string) ([]ratatosk.Row, error) {
			if isKeyQuery(sql) {
				return []ratatosk.Row{{"id": int64(1)}, {"id": int64(2)}, {"id": int64(3)}, {"id": int64(4)}}, nil
			}
			pageCalls++
			switch pageCalls {
			case 1:
				return all[:2], nil
			case 2:
				return all[2:], nil
			default:
				return nil, nil
			}
		},
	}
	sink := newFakeSink()
	h := newHarness(t, Config{PageSize: 2}, src, sink)
	job := testJob(t, h.jobs, nil)

	ctx := context.Background()
	res1, err := h.engine.RunBatch(ctx, job, "", 1)
	if err != nil {
		t.Fatalf("batch 1: %v", err)
	}
	if !res1.HasMore || res1.NextBatch != 2 || res1.RowsProcessed != 2 {
		t.Fatalf("batch 1 result = %+v", res1)
	}

	// Cursor stored for batch 2 points at the last row of batch 1 (P7).
	st, err := h.states.LoadTable(ctx, job.ID, res1.RunID)
	if err != nil || st == nil {
		t.Fatalf("load state: %v %v", st, err)
	}
	if st.Cursor == nil {
		t.Fatal("no cursor after a full page")
	}

	res2, err := h.engine.RunBatch(ctx, job, res1.RunID, res1.NextBatch)
	if err != nil {
		t.Fatalf("batch 2: %v", err)
	}
	if !res2.HasMore {
		t.Fatal("batch 2 filled its page, expected hasMore")
	}
	queries := src.recorded()
	want := "((`d` > '2024-01-03') OR (`d` = '2024-01-03' AND `id` > 2))"
	if !strings.Contains(queries[1], want) {
		t.Fatalf("batch 2 query %q missing compound cursor predicate %q", queries[1], want)
	}

	res3, err := h.engine.RunBatch(ctx, job, res2.RunID, res2.NextBatch)
	if err != nil {
		t.Fatalf("batch 3: %v", err)
	}
	if res3.HasMore {
		t.Fatal("expected terminal batch")
	}
	// No row repeated or skipped across batches (P1).
	if sink.count() != 4 {
		t.Fatalf("sink has %d rows, want 4", sink.count())
	}
	if len(sink.upserts) != 2 {
		t.Fatalf("expected 2 upsert batches, got %d", len(sink.upserts))
	}
	if strings.Contains(res3.Summary, "deleted") && !strings.Contains(res3.Summary, "0 deleted") {
		t.Fatalf("summary %q", res3.Summary)
	}
}

func TestSourceRegressionTripsGateC(t *testing.T) {
	src := &fakeSource{
		schema: ordersSchema(),
		queryFn: func(sql string) ([]ratatosk.Row, error) {
			if isKeyQuery(sql) {
				keys := make([]ratatosk.Row, 400)
				for i := range keys {
					keys[i] = ratatosk.Row{"id": int64(i)}
				}
				return keys, nil
			}
			return nil, nil
		},
	}
	sink := newFakeSink()
	seeded := make([]ratatosk.Row, 1000)
	for i := range seeded {
		seeded[i] = ratatosk.Row{"id": int64(i)}
	}
	sink.seed([]string{"id"}, seeded)

	h := newHarness(t, Config{}, src, sink)
	job := testJob(t, h.jobs, nil)

	_, err := h.engine.RunBatch(context.Background(), job, "", 1)
	if !ratatosk.IsKind(err, ratatosk.KindDestructiveAnomaly) {
		t.Fatalf("err = %v, want DestructiveAnomaly", err)
	}
	if sink.count() != 1000 {
		t.Fatalf("sink has %d rows, want 1000 untouched", sink.count())
	}
	got, _ := h.jobs.Get(context.Background(), job.ID)
	if got.LastStatus != "error" || got.LastError == "" {
		t.Fatalf("job result = %+v", got)
	}
}

func TestEmptySourceTripsGateA(t *testing.T) {
	src := &fakeSource{
		schema: ordersSchema(),
		queryFn: func(string) ([]ratatosk.Row, error) {
			return nil, nil
		},
	}
	sink := newFakeSink()
	seeded := make([]ratatosk.Row, 50)
	for i := range seeded {
		seeded[i] = ratatosk.Row{"id": int64(i)}
	}
	sink.seed([]string{"id"}, seeded)

	h := newHarness(t, Config{}, src, sink)
	job := testJob(t, h.jobs, nil)

	res, err := h.engine.RunBatch(context.Background(), job, "", 1)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.RowsDeleted != 0 || sink.count() != 50 {
		t.Fatalf("deleted %d, sink %d; want 0 and 50", res.RowsDeleted, sink.count())
	}
	if !strings.Contains(res.Summary, "0 rows synced") {
		t.Fatalf("summary %q", res.Summary)
	}

	entries, err := h.logs.Read(context.Background(), job.ID, res.RunID, 0)
	if err != nil {
		t.Fatal(err)
	}
	warned := false
	for _, e := range entries {
		if e.Level == runlog.LevelWarning && e.Phase == "delete" {
			warned = true
		}
	}
	if !warned {
		t.Fatal("expected a delete-phase warning for the empty source")
	}
}

func TestSchemaDriftAddColumn(t *testing.T) {
	schema := append(ordersSchema(), ratatosk.Field{Name: "note", Type: ratatosk.TypeString, Nullable: true})
	rows := []ratatosk.Row{{"id": int64(1), "d": "2024-01-01", "v": int64(1), "note": "x"}}
	src := &fakeSource{
		schema: schema,
		queryFn: func(sql string) ([]ratatosk.Row, error) {
			if isKeyQuery(sql) {
				return []ratatosk.Row{{"id": int64(1)}}, nil
			}
			return rows, nil
		},
	}
	sink := newFakeSink()
	sink.schema = ordersSchema() // live sink predates the new column

	h := newHarness(t, Config{SchemaPause: time.Millisecond}, src, sink)
	job := testJob(t, h.jobs, nil)

	if _, err := h.engine.RunBatch(context.Background(), job, "", 1); err != nil {
		t.Fatalf("batch: %v", err)
	}
	found := false
	for _, stmt := range sink.ddlStatements() {
		if stmt == `ALTER TABLE "orders" ADD COLUMN IF NOT EXISTS "note" TEXT` {
			found = true
		}
	}
	if !found {
		t.Fatalf("ADD COLUMN not issued; ddl = %v", sink.ddlStatements())
	}
}

func TestUpsertIdempotence(t *testing.T) {
	rows := sourceRows()
	src := &fakeSource{
		schema: ordersSchema(),
		queryFn: func(sql string) ([]ratatosk.Row, error) {
			if isKeyQuery(sql) {
				return []ratatosk.Row{{"id": int64(1)}, {"id": int64(2)}}, nil
			}
			return rows, nil
		},
	}
	sink := newFakeSink()
	h := newHarness(t, Config{}, src, sink)
	job := testJob(t, h.jobs, nil)

	ctx := context.Background()
	if _, err := h.engine.RunBatch(ctx, job, "", 1); err != nil {
		t.Fatal(err)
	}
	first := sink.count()
	if _, err := h.engine.RunBatch(ctx, job, "", 1); err != nil {
		t.Fatal(err)
	}
	if sink.count() != first {
		t.Fatalf("second run changed the sink: %d -> %d rows", first, sink.count())
	}
}

func TestRunExpired(t *testing.T) {
	src := &fakeSource{schema: ordersSchema(), queryFn: func(string) ([]ratatosk.Row, error) { return nil, nil }}
	h := newHarness(t, Config{}, src, newFakeSink())
	job := testJob(t, h.jobs, nil)

	_, err := h.engine.RunBatch(context.Background(), job, "gone-run", 2)
	if !ratatosk.IsKind(err, ratatosk.KindRunExpired) {
		t.Fatalf("err = %v, want RunExpired", err)
	}
}

func TestSchemaIncomplete(t *testing.T) {
	src := &fakeSource{schema: ordersSchema(), queryFn: func(string) ([]ratatosk.Row, error) { return nil, nil }}
	h := newHarness(t, Config{}, src, newFakeSink())
	job := testJob(t, h.jobs, nil)

	ctx := context.Background()
	err := h.states.SaveTable(ctx, job.ID, "half-run", &state.TableState{SchemaSyncDone: false})
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.engine.RunBatch(ctx, job, "half-run", 2)
	if !ratatosk.IsKind(err, ratatosk.KindSchemaIncomplete) {
		t.Fatalf("err = %v, want SchemaIncomplete", err)
	}
}

func TestTableJobWithoutSinkFailsCleanly(t *testing.T) {
	// A sheets-only deployment wires no sink; a table job must be
	// rejected as misconfigured, not dereference it.
	src := &fakeSource{schema: ordersSchema(), queryFn: func(string) ([]ratatosk.Row, error) { return nil, nil }}
	store := newMemKV()
	jobs := jobstore.New(store)
	eng := New(Config{}, src, nil, nil, nil, jobs, state.New(store), runlog.NewStore(store, nil), nil)
	job := testJob(t, jobs, nil)

	_, err := eng.RunBatch(context.Background(), job, "", 1)
	if !ratatosk.IsKind(err, ratatosk.KindConfigInvalid) {
		t.Fatalf("err = %v, want ConfigInvalid", err)
	}
}

func TestInvalidUpsertKeys(t *testing.T) {
	src := &fakeSource{schema: ordersSchema(), queryFn: func(string) ([]ratatosk.Row, error) { return nil, nil }}
	h := newHarness(t, Config{}, src, newFakeSink())
	job := testJob(t, h.jobs, func(j *jobstore.Job) {
		j.Supabase.UpsertColumns = []string{"no_such_column"}
	})

	_, err := h.engine.RunBatch(context.Background(), job, "", 1)
	if !ratatosk.IsKind(err, ratatosk.KindConfigInvalid) {
		t.Fatalf("err = %v, want ConfigInvalid", err)
	}
	got, _ := h.jobs.Get(context.Background(), job.ID)
	if got.LastStatus != "error" {
		t.Fatalf("job status %q, want error", got.LastStatus)
	}
}

func TestDeadlineTruncatesPage(t *testing.T) {
	rows := []ratatosk.Row{
		{"id": int64(1), "d": "2024-01-01"},
		{"id": int64(2), "d": "2024-01-01"},
		{"id": int64(3), "d": "2024-01-02"},
		{"id": int64(4), "d": "2024-01-02"},
	}
	src := &fakeSource{
		schema: ratatosk.Schema{{Name: "id", Type: ratatosk.TypeInt}, {Name: "d", Type: ratatosk.TypeDate}},
		queryFn: func(sql string) ([]ratatosk.Row, error) {
			return rows, nil
		},
	}
	sink := newFakeSink()
	// The margin exceeds the whole deadline, so the engine stops after the
	// first completed sub-batch and persists the consumed prefix.
	h := newHarness(t, Config{PageSize: 4, SubBatchSize: 1, DeadlineMargin: time.Hour}, src, sink)
	job := testJob(t, h.jobs, nil)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(30*time.Second))
	defer cancel()

	res, err := h.engine.RunBatch(ctx, job, "", 1)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !res.HasMore || res.RowsProcessed != 1 {
		t.Fatalf("result = %+v, want hasMore with 1 row", res)
	}
	st, err := h.states.LoadTable(context.Background(), job.ID, res.RunID)
	if err != nil || st == nil {
		t.Fatalf("load state: %v %v", st, err)
	}
	if st.Cursor == nil || st.Cursor.Tie == nil {
		t.Fatal("cursor not persisted at the sub-batch boundary")
	}
}

func TestDeleteScanOverflow(t *testing.T) {
	src := &fakeSource{
		schema: ordersSchema(),
		queryFn: func(sql string) ([]ratatosk.Row, error) {
			if isKeyQuery(sql) {
				return []ratatosk.Row{{"id": int64(1)}, {"id": int64(2)}, {"id": int64(3)}}, nil
			}
			return nil, nil
		},
	}
	h := newHarness(t, Config{DeleteScanMax: 2}, src, newFakeSink())
	job := testJob(t, h.jobs, nil)

	_, err := h.engine.RunBatch(context.Background(), job, "", 1)
	if !ratatosk.IsKind(err, ratatosk.KindDeleteScanOverflow) {
		t.Fatalf("err = %v, want DeleteScanOverflow", err)
	}
}

func TestDeleteDetectionRemovesStaleRows(t *testing.T) {
	// Source kept 3 of 4 previously mirrored rows; the stale one goes.
	rows := []ratatosk.Row{
		{"id": int64(1), "d": "2024-01-01", "v": int64(1)},
		{"id": int64(2), "d": "2024-01-01", "v": int64(2)},
		{"id": int64(3), "d": "2024-01-02", "v": int64(3)},
	}
	src := &fakeSource{
		schema: ordersSchema(),
		queryFn: func(sql string) ([]ratatosk.Row, error) {
			if isKeyQuery(sql) {
				return []ratatosk.Row{{"id": int64(1)}, {"id": int64(2)}, {"id": int64(3)}}, nil
			}
			return rows, nil
		},
	}
	sink := newFakeSink()
	sink.seed([]string{"id"}, []ratatosk.Row{
		{"id": int64(1)}, {"id": int64(2)}, {"id": int64(3)}, {"id": int64(4)},
	})

	h := newHarness(t, Config{}, src, sink)
	job := testJob(t, h.jobs, nil)

	res, err := h.engine.RunBatch(context.Background(), job, "", 1)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.RowsDeleted != 1 {
		t.Fatalf("deleted %d rows, want 1", res.RowsDeleted)
	}
	if sink.count() != 3 {
		t.Fatalf("sink has %d rows, want 3", sink.count())
	}
	if !strings.Contains(res.Summary, "1 deleted") {
		t.Fatalf("summary %q", res.Summary)
	}
}

func TestCanonicalKeyDistinguishesTypes(t *testing.T) {
	a, err := canonicalKey(ratatosk.Row{"id": "1"}, []string{"id"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := canonicalKey(ratatosk.Row{"id": int64(1)}, []string{"id"})
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatalf("string and integer keys collide: %q", a)
	}
}

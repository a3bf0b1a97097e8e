package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/ratatosk"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(Config{URL: srv.URL, ServiceKey: "service-key"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func TestUpsertSendsMergeRequest(t *testing.T) {
	var (
		gotPath   string
		gotQuery  string
		gotPrefer string
		gotAuth   string
		gotBody   []byte
		requests  int
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("on_conflict")
		gotPrefer = r.Header.Get("Prefer")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	})

	rows := []ratatosk.Row{
		{"id": int64(1), "name": "alpha"},
		{"id": int64(2), "name": "beta"},
	}
	if err := client.Upsert(context.Background(), "orders", []string{"id", "region"}, rows); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if requests != 1 {
		t.Fatalf("requests = %d, want 1", requests)
	}
	if gotPath != "/rest/v1/orders" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "id,region" {
		t.Errorf("on_conflict = %q", gotQuery)
	}
	if gotPrefer != "resolution=merge-duplicates,return=minimal" {
		t.Errorf("Prefer = %q", gotPrefer)
	}
	if gotAuth != "Bearer service-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	var decoded []map[string]interface{}
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body not valid JSON: %v", err)
	}
	if len(decoded) != 2 || decoded[1]["name"] != "beta" {
		t.Errorf("body = %s", gotBody)
	}
}

func TestUpsertEmptyIsNoOp(t *testing.T) {
	requests := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
	})
	if err := client.Upsert(context.Background(), "orders", []string{"id"}, nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if requests != 0 {
		t.Errorf("requests = %d, want 0", requests)
	}
}

func TestUpsertRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"message":"duplicate key value violates unique constraint"}`)
	})
	err := client.Upsert(context.Background(), "orders", []string{"id"}, []ratatosk.Row{{"id": int64(1)}})
	if ratatosk.KindOf(err) != ratatosk.KindSinkUpsertFailed {
		t.Fatalf("kind = %v, want sink upsert failed (err: %v)", ratatosk.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "duplicate key") {
		t.Errorf("error should carry the sink message, got %v", err)
	}
}

func TestExecDDLSendsReloadSignal(t *testing.T) {
	var queries []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req execSQLRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad rpc body: %v", err)
		}
		queries = append(queries, req.Query)
		w.WriteHeader(http.StatusNoContent)
	})

	if err := client.ExecDDL(context.Background(), "CREATE TABLE IF NOT EXISTS t (id BIGINT)"); err != nil {
		t.Fatalf("ExecDDL: %v", err)
	}
	if len(queries) != 2 {
		t.Fatalf("rpc calls = %d, want 2 (ddl then reload)", len(queries))
	}
	if !strings.HasPrefix(queries[0], "CREATE TABLE") {
		t.Errorf("first call = %q", queries[0])
	}
	if queries[1] != "NOTIFY pgrst, 'reload schema'" {
		t.Errorf("second call = %q", queries[1])
	}
}

func TestExecDDLRejected(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"syntax error at or near \"BIGIN\""}`)
	})
	err := client.ExecDDL(context.Background(), "ALTER TABLE t ADD COLUMN x BIGIN")
	if ratatosk.KindOf(err) != ratatosk.KindSinkDDLFailed {
		t.Fatalf("kind = %v, want sink ddl failed", ratatosk.KindOf(err))
	}
	if calls != 1 {
		t.Errorf("calls = %d, reload must not follow a failed statement", calls)
	}
}

func TestExecQueryPreservesNumbers(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":9007199254740993,"price":12.5,"name":"x"}]`)
	})
	rows, err := client.ExecQuery(context.Background(), "SELECT id, price, name FROM t")
	if err != nil {
		t.Fatalf("ExecQuery: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	id, ok := rows[0]["id"].(json.Number)
	if !ok || id.String() != "9007199254740993" {
		t.Errorf("id = %#v, large integers must stay lossless", rows[0]["id"])
	}
}

func TestExecQueryMissingRelation(t *testing.T) {
	for _, body := range []string{
		`{"code":"42P01","message":"relation \"public.orders\" does not exist"}`,
		`{"code":"PGRST205","message":"Could not find the table 'public.orders' in the schema cache"}`,
	} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, body)
		})
		rows, err := client.ExecQuery(context.Background(), "SELECT id FROM orders")
		if err != nil {
			t.Fatalf("missing relation should read as empty, got %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("rows = %d, want 0", len(rows))
		}
	}
}

func TestLastValue(t *testing.T) {
	var gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req execSQLRequest
		json.Unmarshal(body, &req)
		gotQuery = req.Query
		fmt.Fprint(w, `[{"last_value":"2024-05-01T00:00:00Z"}]`)
	})
	v, err := client.LastValue(context.Background(), "orders", "updated_at")
	if err != nil {
		t.Fatalf("LastValue: %v", err)
	}
	if v != "2024-05-01T00:00:00Z" {
		t.Errorf("value = %v", v)
	}
	want := `SELECT MAX("updated_at") AS last_value FROM "orders"`
	if gotQuery != want {
		t.Errorf("query = %q, want %q", gotQuery, want)
	}
}

func TestLastValueInvalidColumn(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent for an invalid identifier")
	})
	_, err := client.LastValue(context.Background(), "orders", `x"; DROP TABLE y`)
	if ratatosk.KindOf(err) != ratatosk.KindConfigInvalid {
		t.Fatalf("kind = %v, want config invalid", ratatosk.KindOf(err))
	}
}

func TestDescribe(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"column_name":"id","data_type":"bigint","is_nullable":"NO"},
			{"column_name":"amount","data_type":"numeric","is_nullable":"YES"},
			{"column_name":"created","data_type":"timestamp with time zone","is_nullable":"YES"},
			{"column_name":"synced_at","data_type":"timestamp with time zone","is_nullable":"YES"}
		]`)
	})
	schema, err := client.Describe(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	want := ratatosk.Schema{
		{Name: "id", Type: ratatosk.TypeInt},
		{Name: "amount", Type: ratatosk.TypeNumeric, Nullable: true},
		{Name: "created", Type: ratatosk.TypeTimestamp, Nullable: true},
	}
	if len(schema) != len(want) {
		t.Fatalf("schema = %+v, want %+v", schema, want)
	}
	for i := range want {
		if schema[i] != want[i] {
			t.Errorf("field %d = %+v, want %+v", i, schema[i], want[i])
		}
	}
}

func TestKeyPage(t *testing.T) {
	var gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `[{"id":1,"region":"eu"},{"id":2,"region":"us"}]`)
	})
	rows, err := client.KeyPage(context.Background(), "orders", []string{"id", "region"}, 10000, 20000)
	if err != nil {
		t.Fatalf("KeyPage: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	for _, part := range []string{"select=id%2Cregion", "order=id.asc%2Cregion.asc", "limit=10000", "offset=20000"} {
		if !strings.Contains(gotQuery, part) {
			t.Errorf("query %q missing %q", gotQuery, part)
		}
	}
}

func TestDeleteSingleColumn(t *testing.T) {
	var gotFilter, gotPrefer string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		gotFilter = r.URL.Query().Get("id")
		gotPrefer = r.Header.Get("Prefer")
		fmt.Fprint(w, `[{"id":1},{"id":2},{"id":3}]`)
	})
	n, err := client.Delete(context.Background(), "orders", []string{"id"},
		[][]interface{}{{int64(1)}, {int64(2)}, {"a,b"}})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
	if gotFilter != `in.(1,2,"a,b")` {
		t.Errorf("filter = %q", gotFilter)
	}
	if gotPrefer != "return=representation" {
		t.Errorf("Prefer = %q", gotPrefer)
	}
}

func TestDeleteCompositeKey(t *testing.T) {
	var gotFilter string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotFilter = r.URL.Query().Get("or")
		fmt.Fprint(w, `[{"id":1},{"id":2}]`)
	})
	n, err := client.Delete(context.Background(), "orders", []string{"id", "region"},
		[][]interface{}{{int64(1), "eu"}, {int64(2), "us east"}})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	want := `(and(id.eq.1,region.eq."eu"),and(id.eq.2,region.eq."us east"))`
	if gotFilter != want {
		t.Errorf("filter = %q, want %q", gotFilter, want)
	}
}

func TestDeleteChunks(t *testing.T) {
	var sizes []int
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("id")
		sizes = append(sizes, strings.Count(filter, ",")+1)
		fmt.Fprint(w, `[{"id":1}]`)
	})
	tuples := make([][]interface{}, 450)
	for i := range tuples {
		tuples[i] = []interface{}{int64(i)}
	}
	n, err := client.Delete(context.Background(), "orders", []string{"id"}, tuples)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3 (one reported row per chunk)", n)
	}
	if len(sizes) != 3 || sizes[0] != 200 || sizes[1] != 200 || sizes[2] != 50 {
		t.Errorf("chunk sizes = %v, want [200 200 50]", sizes)
	}
}

func TestDeleteRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"permission denied for table orders"}`)
	})
	_, err := client.Delete(context.Background(), "orders", []string{"id"}, [][]interface{}{{int64(1)}})
	if ratatosk.KindOf(err) != ratatosk.KindSinkDeleteFailed {
		t.Fatalf("kind = %v, want sink delete failed", ratatosk.KindOf(err))
	}
}

func TestFilterValue(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, "null"},
		{"plain", `"plain"`},
		{"a,b", `"a,b"`},
		{`he said "hi"`, `"he said \"hi\""`},
		{true, "true"},
		{json.Number("9007199254740993"), "9007199254740993"},
		{int64(-4), "-4"},
		{float64(2.5), "2.5"},
	}
	for _, tt := range tests {
		if got := filterValue(tt.in); got != tt.want {
			t.Errorf("filterValue(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

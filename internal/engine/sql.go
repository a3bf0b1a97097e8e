package engine

import (
	"fmt"
	"strings"

	"github.com/user/ratatosk"
	"github.com/user/ratatosk/internal/jobstore"
	"github.com/user/ratatosk/internal/state"
	"github.com/user/ratatosk/pkg/sqlutil"
)

// ordering is the composite order a table extraction follows: the
// incremental column first (or the first upsert column when the job has
// none), then the tie-breaker. Inc and Tie are equal for single-column
// orderings, in which case the cursor predicate collapses to a plain
// comparison.
type ordering struct {
	Inc string
	Tie string
}

func orderingFor(job *jobstore.Job) ordering {
	keys := job.Supabase.UpsertColumns
	if job.BigQuery.IncrementalColumn != "" {
		return ordering{Inc: job.BigQuery.IncrementalColumn, Tie: keys[0]}
	}
	if len(keys) > 1 {
		return ordering{Inc: keys[0], Tie: keys[1]}
	}
	return ordering{Inc: keys[0], Tie: keys[0]}
}

// buildTableQuery composes the extraction SQL for one batch: strict
// incremental filter from the run-start watermark, compound cursor
// predicate when resuming past batch 1, composite ordering, bounded page.
func buildTableQuery(job *jobstore.Job, st *state.TableState, limit int) (string, error) {
	ord := orderingFor(job)
	for _, col := range []string{ord.Inc, ord.Tie} {
		if !sqlutil.ValidIdent(col) {
			return "", ratatosk.E(ratatosk.KindConfigInvalid, "invalid column name %q", col)
		}
	}

	qTable, err := sqlutil.QuoteIdent("bigquery",
		job.BigQuery.ProjectID+"."+job.BigQuery.Dataset+"."+job.BigQuery.Table)
	if err != nil {
		return "", ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid source table")
	}
	qInc, _ := sqlutil.QuoteIdent("bigquery", ord.Inc)
	qTie, _ := sqlutil.QuoteIdent("bigquery", ord.Tie)

	var where []string
	if job.BigQuery.IncrementalColumn != "" && st.LastSyncValue != nil {
		op := ">"
		if job.BigQuery.OnDateTie == jobstore.TieReprocess {
			op = ">="
		}
		where = append(where, fmt.Sprintf("%s %s %s",
			qInc, op, sqlutil.Literal("bigquery", st.LastSyncValue)))
	}
	if cur := st.Cursor; cur != nil {
		where = append(where, cursorPredicate(qInc, qTie, ord, cur))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s", qTable)
	if len(where) > 0 {
		fmt.Fprintf(&b, " WHERE %s", strings.Join(where, " AND "))
	}
	if ord.Inc == ord.Tie {
		fmt.Fprintf(&b, " ORDER BY %s ASC", qInc)
	} else {
		fmt.Fprintf(&b, " ORDER BY %s ASC, %s ASC", qInc, qTie)
	}
	fmt.Fprintf(&b, " LIMIT %d", limit)
	return b.String(), nil
}

// cursorPredicate renders the compound resumption predicate
// ((inc > cInc) OR (inc = cInc AND tie > cTie)). It is always strict so
// a resumed batch never re-reads the row the cursor points at.
func cursorPredicate(qInc, qTie string, ord ordering, cur *state.Cursor) string {
	incLit := sqlutil.Literal("bigquery", cur.Inc)
	if ord.Inc == ord.Tie {
		return fmt.Sprintf("(%s > %s)", qInc, incLit)
	}
	return fmt.Sprintf("((%s > %s) OR (%s = %s AND %s > %s))",
		qInc, incLit, qInc, incLit, qTie, sqlutil.Literal("bigquery", cur.Tie))
}

// buildKeyQuery projects only the upsert columns with no filter, for the
// delete-phase source scan.
func buildKeyQuery(job *jobstore.Job) (string, error) {
	qTable, err := sqlutil.QuoteIdent("bigquery",
		job.BigQuery.ProjectID+"."+job.BigQuery.Dataset+"."+job.BigQuery.Table)
	if err != nil {
		return "", ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid source table")
	}
	cols := make([]string, len(job.Supabase.UpsertColumns))
	for i, col := range job.Supabase.UpsertColumns {
		q, err := sqlutil.QuoteIdent("bigquery", col)
		if err != nil {
			return "", ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid upsert column %q", col)
		}
		cols[i] = q
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), qTable), nil
}

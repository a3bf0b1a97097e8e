// Package reconcile compares a source schema snapshot against the live
// sink layout and renders the DDL that brings the sink in line. It only
// adds and drops columns; types are never migrated in place.
package reconcile

import (
	"fmt"
	"strings"

	"github.com/user/ratatosk"
	"github.com/user/ratatosk/pkg/sqlutil"
)

// syncedAtColumn is owned by the engine: it is stamped on every sink row
// and must never show up as drift.
const syncedAtColumn = "synced_at"

// Changes lists the columns that differ between source and sink.
type Changes struct {
	ToAdd  ratatosk.Schema
	ToDrop []string
}

// Empty reports whether the sink already matches the source.
func (c Changes) Empty() bool {
	return len(c.ToAdd) == 0 && len(c.ToDrop) == 0
}

// DetectChanges diffs the schemas by column name, case-insensitively.
// Columns present only in the source are additions; columns present only
// in the sink are drops, except the engine-owned synced_at.
func DetectChanges(source, sink ratatosk.Schema) Changes {
	var changes Changes
	for _, f := range source {
		if !sink.Has(f.Name) {
			changes.ToAdd = append(changes.ToAdd, f)
		}
	}
	for _, f := range sink {
		if strings.EqualFold(f.Name, syncedAtColumn) {
			continue
		}
		if !source.Has(f.Name) {
			changes.ToDrop = append(changes.ToDrop, f.Name)
		}
	}
	return changes
}

// ValidateUpsertKeys checks that every declared upsert column exists in
// the source schema, case-insensitively.
func ValidateUpsertKeys(columns []string, source ratatosk.Schema) error {
	if len(columns) == 0 {
		return ratatosk.E(ratatosk.KindConfigInvalid, "no upsert columns declared")
	}
	var invalid []string
	for _, col := range columns {
		if !source.Has(col) {
			invalid = append(invalid, col)
		}
	}
	if len(invalid) > 0 {
		return ratatosk.E(ratatosk.KindConfigInvalid,
			"upsert columns not in source schema: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// SinkType maps a source type class to the sink column type.
func SinkType(t ratatosk.FieldType) string {
	switch t {
	case ratatosk.TypeInt:
		return "BIGINT"
	case ratatosk.TypeFloat:
		return "DOUBLE PRECISION"
	case ratatosk.TypeBool:
		return "BOOLEAN"
	case ratatosk.TypeDate:
		return "DATE"
	case ratatosk.TypeDatetime:
		return "TIMESTAMP"
	case ratatosk.TypeTimestamp:
		return "TIMESTAMPTZ"
	case ratatosk.TypeNumeric:
		return "NUMERIC"
	default:
		return "TEXT"
	}
}

// CreateTableSQL renders the statements that materialize a new sink
// table: the table itself with a synced_at bookkeeping column, then a
// unique index over the upsert columns so conflict resolution has a
// constraint to land on.
func CreateTableSQL(table string, source ratatosk.Schema, upsertColumns []string) ([]string, error) {
	qTable, err := sqlutil.QuoteIdent("postgres", table)
	if err != nil {
		return nil, ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid sink table name")
	}

	cols := make([]string, 0, len(source)+1)
	for _, f := range source {
		qCol, err := sqlutil.QuoteIdent("postgres", f.Name)
		if err != nil {
			return nil, ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid column name %q", f.Name)
		}
		cols = append(cols, qCol+" "+SinkType(f.Type))
	}
	cols = append(cols, `"synced_at" TIMESTAMPTZ DEFAULT now()`)

	qIndex, err := sqlutil.QuoteIdent("postgres", table+"_unique_idx")
	if err != nil {
		return nil, ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid index name")
	}
	qKeys := make([]string, len(upsertColumns))
	for i, col := range upsertColumns {
		q, err := sqlutil.QuoteIdent("postgres", col)
		if err != nil {
			return nil, ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid upsert column %q", col)
		}
		qKeys[i] = q
	}

	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", qTable, strings.Join(cols, ", ")),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			qIndex, qTable, strings.Join(qKeys, ", ")),
	}, nil
}

// AddColumnSQL renders the drift statement for one new source column.
func AddColumnSQL(table string, field ratatosk.Field) (string, error) {
	qTable, err := sqlutil.QuoteIdent("postgres", table)
	if err != nil {
		return "", ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid sink table name")
	}
	qCol, err := sqlutil.QuoteIdent("postgres", field.Name)
	if err != nil {
		return "", ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid column name %q", field.Name)
	}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
		qTable, qCol, SinkType(field.Type)), nil
}

// DropColumnSQL renders the drift statement for one removed source column.
func DropColumnSQL(table, column string) (string, error) {
	qTable, err := sqlutil.QuoteIdent("postgres", table)
	if err != nil {
		return "", ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid sink table name")
	}
	qCol, err := sqlutil.QuoteIdent("postgres", column)
	if err != nil {
		return "", ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid column name %q", column)
	}
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", qTable, qCol), nil
}

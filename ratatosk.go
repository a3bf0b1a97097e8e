package ratatosk

import "strings"

// JobType selects the engine variant for a job.
type JobType string

const (
	JobBQToSupabase JobType = "bq-to-supabase"
	JobSheetsToBQ   JobType = "sheets-to-bq"
)

// FieldType classifies a source column into the type set the engine
// understands. Unknown source types map to TypeString downstream.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeBool      FieldType = "bool"
	TypeDate      FieldType = "date"
	TypeDatetime  FieldType = "datetime"
	TypeTimestamp FieldType = "timestamp"
	TypeNumeric   FieldType = "numeric"
)

// Field describes one column of a source or sink table.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Nullable bool      `json:"nullable"`
}

// Schema is the ordered column list captured from source metadata at the
// start of a run. It is immutable for the lifetime of the run.
type Schema []Field

// Has reports whether the schema contains a column, case-insensitively.
func (s Schema) Has(name string) bool {
	for _, f := range s {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Names returns the column names in declared order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, f := range s {
		out[i] = f.Name
	}
	return out
}

// MaxSafeInt is the largest integer magnitude carried as int64 in a Row.
// Integers beyond it, and values of force-string columns, stay strings so
// no precision is lost crossing JSON boundaries.
const MaxSafeInt = int64(1)<<53 - 1

// Row is one record keyed by column name. Values are nil, string, bool,
// int64, float64 or json.Number depending on the declared column type.
type Row map[string]any

// Logger is the process-level structured logger. Key/value pairs
// alternate in keysAndValues.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

package sqlutil

import (
	"encoding/json"
	"fmt"
	"strings"
)

// QuoteString renders s as a single-quoted SQL string literal for the
// dialect. Postgres doubles embedded quotes; BigQuery (GoogleSQL) uses
// backslash escapes for both backslash and quote.
func QuoteString(dialect, s string) string {
	switch dialect {
	case "bigquery":
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `'`, `\'`)
		return "'" + s + "'"
	default: // postgres
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
}

// Literal renders a Go value carried in a row as a SQL literal for the
// dialect. Strings are quoted, numbers and booleans pass through bare,
// json.Number keeps its exact decimal form, nil becomes NULL.
func Literal(dialect string, v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return QuoteString(dialect, t)
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case json.Number:
		return t.String()
	case int64:
		return fmt.Sprintf("%d", t)
	case int:
		return fmt.Sprintf("%d", t)
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return QuoteString(dialect, fmt.Sprintf("%v", t))
	}
}

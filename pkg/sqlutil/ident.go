package sqlutil

import (
	"fmt"
	"regexp"
	"strings"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// QuoteIdent validates and quotes an SQL identifier (optionally dot-qualified,
// like dataset.table) according to the target dialect.
// Dialects: postgres -> "part"."part", bigquery -> `part.part`.
func QuoteIdent(dialect, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty identifier")
	}
	parts := strings.Split(name, ".")
	for _, p := range parts {
		if !identRe.MatchString(p) {
			return "", fmt.Errorf("invalid identifier: %s", name)
		}
	}

	switch dialect {
	case "bigquery":
		// BigQuery quotes the whole dotted path in one backtick pair.
		return "`" + strings.Join(parts, ".") + "`", nil
	case "postgres", "pgx":
		for i, p := range parts {
			parts[i] = "\"" + p + "\""
		}
		return strings.Join(parts, "."), nil
	default:
		return "", fmt.Errorf("unknown dialect: %s", dialect)
	}
}

// ValidIdent reports whether every dot-separated part of name is a plain
// identifier. Callers use it to reject configured column names before any
// SQL is composed from them.
func ValidIdent(name string) bool {
	if name == "" {
		return false
	}
	for _, p := range strings.Split(name, ".") {
		if !identRe.MatchString(p) {
			return false
		}
	}
	return true
}

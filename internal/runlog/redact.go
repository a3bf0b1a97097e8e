package runlog

import (
	"reflect"
	"regexp"
)

var sensitiveKey = regexp.MustCompile(`(?i)key|token|password|secret|credential|auth`)

const (
	redactedPlaceholder = "[REDACTED]"
	maxStringChars      = 1000
)

// Redact deep-copies metadata into a form safe to persist: values under
// sensitive-looking keys are replaced with a placeholder, long strings
// are truncated, and cycles are cut so the result always marshals.
func Redact(metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	out, _ := redactValue(metadata, make(map[uintptr]bool)).(map[string]interface{})
	return out
}

func redactValue(v interface{}, seen map[uintptr]bool) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return map[string]interface{}{"error": "circular"}
		}
		seen[ptr] = true
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if sensitiveKey.MatchString(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = redactValue(val, seen)
		}
		delete(seen, ptr)
		return out
	case []interface{}:
		if len(t) == 0 {
			return []interface{}{}
		}
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return map[string]interface{}{"error": "circular"}
		}
		seen[ptr] = true
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = redactValue(val, seen)
		}
		delete(seen, ptr)
		return out
	case string:
		return truncate(t)
	default:
		return v
	}
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStringChars {
		return s
	}
	return string(runes[:maxStringChars]) + "..."
}

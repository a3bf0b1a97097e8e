package ratatosk

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class carried by Error. Kinds are stable
// strings surfaced in API responses, run logs and job summaries.
type Kind string

const (
	KindConfigInvalid      Kind = "config_invalid"
	KindSourceUnavailable  Kind = "source_unavailable"
	KindQueryRejected      Kind = "query_rejected"
	KindQueryIncomplete    Kind = "query_incomplete"
	KindPaginationFailed   Kind = "pagination_failed"
	KindLoadJobFailed      Kind = "load_job_failed"
	KindNotFound           Kind = "not_found"
	KindPermissionDenied   Kind = "permission_denied"
	KindSinkUnavailable    Kind = "sink_unavailable"
	KindSinkDDLFailed      Kind = "sink_ddl_failed"
	KindSinkUpsertFailed   Kind = "sink_upsert_failed"
	KindSinkDeleteFailed   Kind = "sink_delete_failed"
	KindRunExpired         Kind = "run_expired"
	KindSchemaIncomplete   Kind = "schema_incomplete"
	KindDestructiveAnomaly Kind = "destructive_anomaly"
	KindDeleteScanOverflow Kind = "delete_scan_overflow"
	KindUnauthorized       Kind = "unauthorized"
)

// Error couples a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error with a formatted message.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first Error in the chain, or "" when the
// chain carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind somewhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies backend failures so callers can pick a degradation
// path without string-matching messages.
type ErrorKind int

const (
	// KindUnknown covers everything not classified below. Logged, surfaced
	// generically.
	KindUnknown ErrorKind = iota
	// KindNotFound means the record is absent. Domain services treat this as
	// a normal empty result, not a failure.
	KindNotFound
	// KindSchemaMismatch means the backend schema lags the client's
	// expectations (missing column or table). Triggers self-healing.
	KindSchemaMismatch
	// KindNetwork covers connection failures. Retried, then queued.
	KindNetwork
	// KindTimeout covers deadline expiry. Retried, then queued.
	KindTimeout
	// KindUnauthorized covers auth failures. Surfaced, never retried.
	KindUnauthorized
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Error is the failure type returned by every remote operation.
type Error struct {
	Kind ErrorKind
	// Code is the structured backend error code when one was returned
	// (Postgres SQLSTATE like 42703, or a PostgREST code like PGRST116).
	Code    string
	Status  int
	Message string
	// Column carries the implicated column name for schema mismatches when
	// the backend reported one.
	Column string
	cause  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the error kind, defaulting to KindUnknown for foreign
// errors.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying or queueing for later.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindNetwork || k == KindTimeout
}

// Postgres SQLSTATE codes the client reacts to.
const (
	codeUndefinedColumn = "42703"
	codeUndefinedTable  = "42P01"
	// PGRST116: "JSON object requested, multiple (or no) rows returned".
	codeNoSingleRow = "PGRST116"
)

func classifyTransport(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: "request timed out", cause: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindTimeout, Message: "request cancelled", cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: netErr.Error(), cause: err}
	}
	return &Error{Kind: KindNetwork, Message: err.Error(), cause: err}
}

func classifyResponse(status int, code, message, column string) *Error {
	e := &Error{Code: code, Status: status, Message: message, Column: column}
	switch {
	case code == codeUndefinedColumn || code == codeUndefinedTable:
		e.Kind = KindSchemaMismatch
	case code == codeNoSingleRow || status == 404 || status == 406:
		e.Kind = KindNotFound
	case status == 401 || status == 403:
		e.Kind = KindUnauthorized
	case status == 408 || status == 429 || status >= 500:
		e.Kind = KindNetwork
	default:
		e.Kind = KindUnknown
	}
	return e
}

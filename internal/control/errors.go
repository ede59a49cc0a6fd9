// Package control holds the typed error kinds every subsystem signals
// upward (spec.md §7). The HTTP gateway maps each kind to a stable
// response shape; subsystems never write HTTP status codes themselves.
package control

import "errors"

type Kind string

const (
	KindUnauthenticated  Kind = "unauthenticated"
	KindForbidden        Kind = "forbidden"
	KindTenantMismatch   Kind = "tenant_mismatch"
	KindValidation       Kind = "validation"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindUpstreamFailure  Kind = "upstream_failure"
	KindProductionLocked Kind = "production_locked"
	KindSchemaDriftFatal Kind = "schema_drift_fatal"
	KindRateLimited      Kind = "rate_limited"
)

// FieldError names one invalid field in a validation error.
type FieldError struct {
	Path   string
	Reason string
}

// Error is the uniform typed error every subsystem returns. The
// gateway never guesses a status from a bare error string.
type Error struct {
	Kind   Kind
	Msg    string
	Fields []FieldError
	Err    error // wrapped upstream cause, for upstream_failure
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Validation(msg string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Fields: fields}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Msg: msg}
}

func ProductionLocked(msg string) *Error {
	return &Error{Kind: KindProductionLocked, Msg: msg}
}

// As is a thin convenience wrapper over errors.As for the common case
// of "is this a control.Error of kind K".
func As(err error, kind Kind) (*Error, bool) {
	var ce *Error
	if !errors.As(err, &ce) {
		return nil, false
	}
	return ce, ce.Kind == kind
}

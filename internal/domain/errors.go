package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for callers and the HTTP layer.
type ErrorKind string

const (
	KindNotFound       ErrorKind = "not_found"
	KindDuplicateName  ErrorKind = "duplicate_name"
	KindPortInUse      ErrorKind = "port_in_use"
	KindAlreadyRunning ErrorKind = "already_running"
	KindInUse          ErrorKind = "in_use"
	KindValidation     ErrorKind = "validation"
	KindPolicyDenied   ErrorKind = "policy_denied"
	KindImport         ErrorKind = "import_failed"
	KindSpawn          ErrorKind = "spawn_failed"
	KindTimeout        ErrorKind = "timeout"
	KindUnavailable    ErrorKind = "unavailable"
)

// Error is a typed orchestrator error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrDuplicateName  = &Error{Kind: KindDuplicateName}
	ErrPortInUse      = &Error{Kind: KindPortInUse}
	ErrAlreadyRunning = &Error{Kind: KindAlreadyRunning}
	ErrInUse          = &Error{Kind: KindInUse}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrPolicyDenied   = &Error{Kind: KindPolicyDenied}
	ErrImport         = &Error{Kind: KindImport}
	ErrSpawn          = &Error{Kind: KindSpawn}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrUnavailable    = &Error{Kind: KindUnavailable}
)

// NewError builds a typed error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed error around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

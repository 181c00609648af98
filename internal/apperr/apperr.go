// Package apperr defines the error taxonomy shared by every layer of the service.
//
// Each failure carries one kind (a sentinel error) so callers can branch with errors.Is
// without knowing which layer produced it. Kinds map to stable machine-readable codes;
// the HTTP layer maps codes to status codes.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("authentication failed")
	ErrForbidden       = errors.New("insufficient permissions")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("revision conflict")
	ErrTooLarge        = errors.New("content too large")
	ErrTransient       = errors.New("transient failure")
	ErrRateLimited     = errors.New("rate limited")
)

// Stable error codes returned to clients.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "REVISION_CONFLICT"
	CodeTooLarge        = "CONTENT_TOO_LARGE"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternal        = "INTERNAL_ERROR"
)

// Error is a classified failure. Message is safe to show to clients; Err is the
// underlying cause and is only ever logged.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Validation reports malformed input.
func Validation(format string, args ...any) error {
	return newError(ErrValidation, nil, format, args...)
}

// Unauthenticated reports a missing, invalid or expired credential.
func Unauthenticated(cause error, format string, args ...any) error {
	return newError(ErrUnauthenticated, cause, format, args...)
}

// Forbidden reports an authenticated caller lacking a scope or ownership.
func Forbidden(format string, args ...any) error {
	return newError(ErrForbidden, nil, format, args...)
}

// NotFound reports a missing resource.
func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, nil, format, args...)
}

// Conflict reports a stale revision.
func Conflict(format string, args ...any) error {
	return newError(ErrConflict, nil, format, args...)
}

// TooLarge reports content above the configured size limit.
func TooLarge(format string, args ...any) error {
	return newError(ErrTooLarge, nil, format, args...)
}

// RateLimited reports a caller over its request budget.
func RateLimited(format string, args ...any) error {
	return newError(ErrRateLimited, nil, format, args...)
}

// Transient marks cause as a retryable I/O failure. A nil cause yields nil.
func Transient(cause error) error {
	if cause == nil {
		return nil
	}
	if IsTransient(cause) {
		return cause
	}
	return &Error{Kind: ErrTransient, Message: "dependency unavailable", Err: cause}
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Message returns the client-safe message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return e.Kind.Error()
	}
	return "internal server error"
}

// Code returns the stable code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrTooLarge):
		return CodeTooLarge
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTransient):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

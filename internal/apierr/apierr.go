// Package apierr implements a typed error taxonomy: validation,
// precondition, conflict, transient and fatal errors, each mapped to
// an HTTP status and a stable machine-readable code.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP status mapping and retry policy.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindPrecondition Kind = "precondition"
	KindConflict     Kind = "conflict"
	KindTransient    Kind = "transient"
	KindFatal        Kind = "fatal"
)

// Error is a structured, user-facing failure. Code is the stable
// machine-readable identifier returned on the wire (e.g.
// "insufficient_clients", "privacy_budget_exhausted").
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Field   string // populated for validation errors naming the failing field
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

// Status maps the taxonomy kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindPrecondition:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func Validation(field, code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Field: field}
}

func Precondition(code, message string) *Error {
	return &Error{Kind: KindPrecondition, Code: code, Message: message}
}

func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func Transient(code, message string, cause error) *Error {
	return &Error{Kind: KindTransient, Code: code, Message: message, err: cause}
}

func Fatal(code, message string, cause error) *Error {
	return &Error{Kind: KindFatal, Code: code, Message: message, err: cause}
}

// Wrap coerces any error into an *Error, defaulting unrecognized
// errors to a fatal internal-error code so the request boundary can
// still recover uniformly.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Fatal("internal_error", "an internal error occurred", err)
}

// As is a small convenience wrapper around errors.As for callers that
// only need to branch on Kind/Code.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

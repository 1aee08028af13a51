// Package apperr defines the error taxonomy shared by the domain services and
// its translation to HTTP responses. Services wrap causes in an *Error with a
// Kind; the HTTP layer maps the Kind to a status code exactly once.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for HTTP translation.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindForbidden   Kind = "forbidden"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindPersistence Kind = "persistence"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Message string
	// Status overrides the default HTTP status for the kind (e.g. 413 for an
	// oversized upload, which is still a validation error).
	Status int
	// Partial marks a multi-step operation that failed after some of its
	// steps were already applied.
	Partial bool
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

func Unauthenticated(format string, args ...interface{}) *Error {
	return newf(KindAuth, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return newf(KindForbidden, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newf(KindConflict, format, args...)
}

// Persistence wraps a failed table or storage call.
func Persistence(err error, format string, args ...interface{}) *Error {
	e := newf(KindPersistence, format, args...)
	e.Err = err
	return e
}

// WithStatus sets an explicit HTTP status and returns e.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// AsPartial flags e as a partially applied operation and returns e.
func (e *Error) AsPartial() *Error {
	e.Partial = true
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when err
// carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

func IsNotFound(err error) bool   { return Is(err, KindNotFound) }
func IsValidation(err error) bool { return Is(err, KindValidation) }

// IsPartial reports whether err describes a half-completed operation.
func IsPartial(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Partial
}

// HTTPStatus maps err to a response status code. Unclassified errors are 500.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

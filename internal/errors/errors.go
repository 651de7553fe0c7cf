// Package errors provides a lightweight structured error type for
// category-based classification and retry semantics across the service
// and its HTTP adapter.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies an error for logging, metrics and HTTP mapping.
type Category string

const (
	// User-facing input and API errors.
	CategoryBadRequest   Category = "bad_request"
	CategoryNotFound     Category = "not_found"
	CategoryForbidden    Category = "forbidden"
	CategoryUnauthorized Category = "unauthorized"
	CategoryConflict     Category = "conflict"
	CategoryNeedUpdate   Category = "need_update"

	// External system integration errors.
	CategoryHost     Category = "host"
	CategoryExecutor Category = "executor"

	// Infrastructure errors.
	CategoryStorage  Category = "storage"
	CategoryConfig   Category = "config"
	CategoryInternal Category = "internal"
)

// Severity indicates how critical an error is.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Error is a structured error with category, retryability, and context.
type Error struct {
	Category  Category       `json:"category"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Cause     error          `json:"cause,omitempty"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap supports errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext attaches a structured context field to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error retryable or not.
func (e *Error) WithRetryable(r bool) *Error {
	e.Retryable = r
	return e
}

// New creates a new Error.
func New(category Category, severity Severity, message string) *Error {
	return &Error{Category: category, Severity: severity, Message: message}
}

// Wrap creates a new Error that wraps an existing error.
func Wrap(err error, category Category, message string) *Error {
	return &Error{Category: category, Severity: SeverityError, Message: message, Cause: err}
}

// CategoryOf returns the category of err, or CategoryInternal for plain errors.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Constructors for the API error kinds.

// NotFound builds a 404-mapped error.
func NotFound(format string, args ...any) *Error {
	return New(CategoryNotFound, SeverityWarning, fmt.Sprintf(format, args...))
}

// Forbidden builds a 403-mapped error.
func Forbidden(format string, args ...any) *Error {
	return New(CategoryForbidden, SeverityWarning, fmt.Sprintf(format, args...))
}

// Unauthorized builds a 401-mapped error.
func Unauthorized(format string, args ...any) *Error {
	return New(CategoryUnauthorized, SeverityWarning, fmt.Sprintf(format, args...))
}

// Conflict builds a 409-mapped error.
func Conflict(format string, args ...any) *Error {
	return New(CategoryConflict, SeverityWarning, fmt.Sprintf(format, args...))
}

// NeedUpdate builds a 410-mapped error. It signals an optimistic-concurrency
// conflict: the caller acted on a stale updated_at token.
func NeedUpdate(format string, args ...any) *Error {
	return New(CategoryNeedUpdate, SeverityWarning, fmt.Sprintf(format, args...))
}

// BadRequest builds a 400-mapped error.
func BadRequest(format string, args ...any) *Error {
	return New(CategoryBadRequest, SeverityWarning, fmt.Sprintf(format, args...))
}

// IsNeedUpdate reports whether err carries the need_update category.
func IsNeedUpdate(err error) bool { return CategoryOf(err) == CategoryNeedUpdate }

// IsNotFound reports whether err carries the not_found category.
func IsNotFound(err error) bool { return CategoryOf(err) == CategoryNotFound }

// Package memerr defines the error kinds shared by the memory engine's components.
//
// Every *Error unwraps to both its kind sentinel and its underlying cause, so callers can
// test either with errors.Is:
//
//	errors.Is(err, memerr.ErrNotFound)
//	errors.Is(err, sql.ErrConnDone)
package memerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an engine error.
type Kind string

const (
	KindNotFound        Kind = "NOT_FOUND"
	KindPersistence     Kind = "PERSISTENCE_ERROR"
	KindValidation      Kind = "VALIDATION_ERROR"
	KindUpstreamTimeout Kind = "UPSTREAM_TIMEOUT"
)

// Sentinels for errors.Is checks.
var (
	ErrNotFound        = errors.New("not found")
	ErrPersistence     = errors.New("persistence failure")
	ErrValidation      = errors.New("validation failed")
	ErrUpstreamTimeout = errors.New("upstream timeout")
)

// Error is an engine error carrying its kind, the operation that failed and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.sentinel())
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.sentinel()}
	}
	return []error{e.sentinel(), e.Err}
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindNotFound:
		return ErrNotFound
	case KindValidation:
		return ErrValidation
	case KindUpstreamTimeout:
		return ErrUpstreamTimeout
	default:
		return ErrPersistence
	}
}

// NotFound reports that the entity with the given id does not exist.
func NotFound(op, entity, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("%s %q not found", entity, id)}
}

// Persistence wraps a durable-storage failure.
func Persistence(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// Validation reports malformed input that could not be normalized to a safe default.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Timeout reports that a bounded call exceeded its deadline.
func Timeout(op string, err error) error {
	return &Error{Kind: KindUpstreamTimeout, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUpstreamTimeout):
		return KindUpstreamTimeout
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	}
	return ""
}

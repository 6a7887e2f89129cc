// Package fault defines the error taxonomy shared across the orchestrator
// core. Every failure carries a stable kind; the HTTP adapter is the only
// place kinds are mapped to status codes.
package fault

import (
	"errors"
	"fmt"
)

// Kind is a stable failure classification.
type Kind string

const (
	Validation Kind = "validation"
	Auth       Kind = "auth"
	State      Kind = "state"
	NotFound   Kind = "not_found"
	Conflict   Kind = "conflict"
	Repo       Kind = "repo"
	Subprocess Kind = "subprocess"
	Storage    Kind = "storage"
	Internal   Kind = "internal"
)

// Error is a classified failure with an optional context map.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// With attaches a context key/value pair and returns the error.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ContextOf returns the context map of err, or nil.
func ContextOf(err error) map[string]any {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Context
	}
	return nil
}

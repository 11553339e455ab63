// Package fault provides the error taxonomy shared across the service.
// Every operation surfaces failures as a *Error carrying a Kind so that
// the transport layer can map them without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the caller.
type Kind string

const (
	Unauthenticated    Kind = "unauthenticated"     // Missing or invalid owner identity
	InvalidInput       Kind = "invalid_input"       // Malformed identifiers, unsafe filenames
	NotFound           Kind = "not_found"           // No matching conversation, file, or user
	PreconditionFailed Kind = "precondition_failed" // Operation requires a completed conversation
	EngineUnavailable  Kind = "engine_unavailable"  // Transport or non-success response from the engine
	Internal           Kind = "internal"            // Unexpected failure (storage I/O, codec)
)

// Error wraps an underlying error with its classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a format string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. Returns nil when err is nil.
// If err is already classified its original kind is preserved.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the classification of err, or Internal for
// unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

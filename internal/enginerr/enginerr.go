// Package enginerr defines the closed set of error kinds the engine
// surfaces to callers, per the propagation policy: configuration and
// persistence errors are fatal, the rest are policy-driven.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds the engine recognizes.
type Kind string

const (
	NotFound          Kind = "NotFound"
	ConfigurationError Kind = "ConfigurationError"
	ResourceExhausted Kind = "ResourceExhausted"
	Timeout           Kind = "Timeout"
	Cancelled         Kind = "Cancelled"
	ProcessorError    Kind = "ProcessorError"
	PersistenceError  Kind = "PersistenceError"
)

// Error wraps an underlying error with a closed Kind so callers can
// branch with errors.As without parsing message text.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

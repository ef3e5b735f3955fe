// Package fault defines the error taxonomy shared by the lifecycle controller,
// the runtime adapters and the API layer.
//
// Every failure that leaves the controller is a *Error carrying a Kind and the
// environment ID it concerns, so callers can branch on the kind without
// string matching and the API can map it to a status code.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// RuntimeUnavailable means the container runtime could not be reached or
	// did not answer in time. It is the only retryable kind.
	RuntimeUnavailable Kind = "RuntimeUnavailable"
	// NotFound means the referenced object (runtime container or record)
	// does not exist.
	NotFound Kind = "NotFound"
	// Conflict is a naming or identity clash in the runtime.
	Conflict Kind = "Conflict"
	// PortConflict means the declared host port is held by someone else.
	PortConflict Kind = "PortConflict"
	// StoreUnavailable means the persistence layer failed.
	StoreUnavailable Kind = "StoreUnavailable"
	// ValidationError means the declared spec is malformed.
	ValidationError Kind = "ValidationError"
	// Busy means another transition for the same environment is in flight.
	Busy Kind = "Busy"
)

// Retryable reports whether a failure of this kind may succeed on a later
// reconciliation pass without any change to the declaration.
func (k Kind) Retryable() bool {
	return k == RuntimeUnavailable
}

// Error is a classified failure.
type Error struct {
	Kind          Kind
	EnvironmentID string
	// Op names the step that failed, e.g. "create" or "store.save".
	Op string
	// Err is the underlying cause, may be nil.
	Err error
	// Inconsistent is set when the runtime was mutated but the record could
	// not be updated to reflect it.
	Inconsistent bool
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.EnvironmentID != "" {
		msg += " (environment " + e.EnvironmentID + ")"
	}
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Inconsistent {
		msg += " [record inconsistent with runtime]"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind. A target with an
// EnvironmentID only matches errors for that environment.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.EnvironmentID == "" || t.EnvironmentID == e.EnvironmentID
}

// New returns an error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf returns an error of the given kind with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Validation is shorthand for a ValidationError with a formatted message.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: ValidationError, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// WithEnvironment stamps id onto the first *Error in err's chain when it has
// none yet. Unclassified errors are returned unchanged.
func WithEnvironment(err error, id string) error {
	var fe *Error
	if errors.As(err, &fe) && fe.EnvironmentID == "" {
		fe.EnvironmentID = id
	}
	return err
}

// EnvironmentOf returns the environment ID carried by err, if any.
func EnvironmentOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.EnvironmentID
	}
	return ""
}

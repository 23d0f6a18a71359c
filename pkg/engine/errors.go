// Package engine implements the reconciliation and provisioning core:
// inventory -> plan -> (resolve conflicts) -> apply, plus the dependency-reversed
// teardown. The package never talks to a terminal and never reads ambient
// process state; callers thread a RunContext through every entry point.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a failure for control-flow decisions.
type ErrorClass string

const (
	// ErrorClassNotFound marks a lookup for a resource that does not exist.
	// At the inventory contract absence is a value, not an error; this class
	// exists so provider adapters can report it and callers can unwrap it.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassAlreadyExists marks a create that raced an existing resource.
	// The provisioner adopts instead of failing.
	ErrorClassAlreadyExists ErrorClass = "already_exists"

	// ErrorClassTransient marks provider auth, throttle, or network failures.
	// Aborts the affected resource's subtree; siblings continue.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict marks an immutable-field mismatch that needs a
	// caller-supplied resolution. Never auto-resolved.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassTimeout marks a settle-wait that exceeded its bound.
	// Fatal to the current phase.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassIO marks descriptor persistence failures. Fatal, since
	// later runs depend on the descriptor.
	ErrorClassIO ErrorClass = "io"
)

// Error is a classified engine error carrying resource context.
type Error struct {
	Class     ErrorClass   `json:"class"`
	Message   string       `json:"message"`
	Kind      ResourceKind `json:"kind,omitempty"`
	Name      string       `json:"name,omitempty"`
	Operation string       `json:"operation,omitempty"`
	Err       error        `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Kind != "" && e.Name != "" {
		msg = fmt.Sprintf("%s (%s %q)", msg, e.Kind, e.Name)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on class so callers can compare against sentinel classes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithResource attaches the resource identity to the error.
func (e *Error) WithResource(kind ResourceKind, name string) *Error {
	e.Kind = kind
	e.Name = name
	return e
}

// WithOperation attaches the operation being performed.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, err error) *Error {
	return &Error{Class: ErrorClassNotFound, Message: message, Err: err}
}

// NewAlreadyExistsError creates an already-exists error.
func NewAlreadyExistsError(message string, err error) *Error {
	return &Error{Class: ErrorClassAlreadyExists, Message: message, Err: err}
}

// NewTransientError creates a transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string, err error) *Error {
	return &Error{Class: ErrorClassTimeout, Message: message, Err: err}
}

// NewIOError creates a persistence error.
func NewIOError(message string, err error) *Error {
	return &Error{Class: ErrorClassIO, Message: message, Err: err}
}

func classOf(err error) (ErrorClass, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsNotFound returns true when err is classified not-found.
func IsNotFound(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassNotFound
}

// IsAlreadyExists returns true when err is classified already-exists.
func IsAlreadyExists(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassAlreadyExists
}

// IsTransient returns true when err is classified transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsConflict returns true when err is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsTimeout returns true when err is classified as a timeout.
func IsTimeout(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTimeout
}

// IsIO returns true when err is classified as a persistence failure.
func IsIO(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassIO
}

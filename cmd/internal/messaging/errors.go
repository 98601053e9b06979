package messaging

import (
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel kinds; Msg is human-readable context.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// NotFoundError reports a missing conversation, message, parent or cursor.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNotFound, e.Resource)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// fanOutError marks a failure inside the delivery-state fan-out.
// The cause stays reachable so transient failures are still retried.
type fanOutError struct {
	Op  string
	Err error
}

func (e fanOutError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrFanOut, e.Err)
}

func (e fanOutError) Unwrap() []error { return []error{ErrFanOut, e.Err} }

// errNoRows is returned by stores when a single-row lookup matches nothing.
var errNoRows = errors.New("messaging: no rows")

// errDuplicateRace aborts a write whose conditional insert lost to a concurrent
// writer holding the same client_msg_id. The engine re-reads the winner.
var errDuplicateRace = errors.New("messaging: client_msg_id claimed concurrently")

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

func notFound(op, resource string) error {
	return NotFoundError{Op: op, Resource: resource}
}

// orNotFound maps errNoRows to a NotFoundError for resource and passes other errors through.
func orNotFound(err error, op, resource string) error {
	if errors.Is(err, errNoRows) {
		return notFound(op, resource)
	}
	return err
}

// transient wraps a retryable storage conflict.
func transient(op string, cause error) error {
	return OpError{Op: op, Kind: ErrTransient, Msg: cause.Error()}
}

// IsNotFound reports whether err represents ErrNotFound (including NotFoundError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsNotMember reports whether err represents ErrNotMember.
func IsNotMember(err error) bool { return errors.Is(err, ErrNotMember) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsTransient reports whether err is a retryable conflict.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// Code returns the wire error code for err. Unknown errors map to "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrTransient):
		return "unavailable"
	case errors.Is(err, ErrFanOut):
		return "fan_out_failed"
	default:
		return "internal"
	}
}

// Package fault classifies errors by kind so callers can decide between
// rejecting a request, retrying a delivery, and giving up on it.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind int

const (
	// Invalid marks malformed input. Never retried.
	Invalid Kind = iota + 1
	// Unauthenticated marks a bad signature, token, or OAuth state. Never retried.
	Unauthenticated
	// Config marks missing or unusable remote credentials. Retried, since a
	// reconnection may fix it.
	Config
	// Downstream marks a non-success response from a remote API.
	Downstream
	// Mapping marks an event that cannot be correlated yet, such as a thread
	// reply whose parent conversation has not been created.
	Mapping
)

// String returns the lowercase kind name used in logs.
func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case Unauthenticated:
		return "unauthenticated"
	case Config:
		return "config"
	case Downstream:
		return "downstream"
	case Mapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may succeed on redelivery.
func (k Kind) Retryable() bool {
	switch k {
	case Config, Downstream, Mapping:
		return true
	default:
		return false
	}
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error. A nil err becomes a plain message error
// holding op so a kind never wraps nothing.
func New(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf formats a message and classifies it.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified non-nil errors are treated as Downstream: an I/O failure
// nobody classified is assumed transient.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Downstream
}

// IsRetryable reports whether err may succeed on redelivery.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

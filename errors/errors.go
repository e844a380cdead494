// Package errors provides the error taxonomy used to classify failures
// arising from queue, object-store, transcoder, and repository operations
// into the kinds described in the worker's error handling design:
// Transient, LockContention, Validation, Invariant, and Fatal.
package errors

import (
	"errors"
	"fmt"
)

// TransientError wraps failures that are expected to clear on their own and
// are recovered locally by bounded retry with exponential backoff: queue
// receive/delete failures, object-store 5xx responses, non-zero transcoder
// exits, and transient database errors (serialization failure, deadlock,
// lock not available, query canceled, connection reset).
type TransientError struct{ error }

func Transient(err error) error {
	return TransientError{err}
}

func (e TransientError) Unwrap() error { return e.error }

func IsTransient(err error) bool {
	return errors.As(err, &TransientError{})
}

// LockContentionError means an advisory lock could not be acquired
// immediately. Callers surface this as "skipped" and retry with backoff;
// it is never a sign the underlying work failed.
type LockContentionError struct{ error }

func LockContention(err error) error {
	return LockContentionError{err}
}

func (e LockContentionError) Unwrap() error { return e.error }

func IsLockContention(err error) bool {
	return errors.As(err, &LockContentionError{})
}

// ValidationError means a post-write read did not observe the expected
// state. The message lifecycle surfaces this as NotReady: requeue with
// delay, escalating to a metric after repeated rounds.
type ValidationError struct{ error }

func Validation(err error) error {
	return ValidationError{err}
}

func (e ValidationError) Unwrap() error { return e.error }

func IsValidation(err error) bool {
	return errors.As(err, &ValidationError{})
}

// InvariantError covers violations that should never happen given upstream
// guarantees: zero artifacts where upstream promised at least one, or a
// flag advance that would violate ordering. These emit warning metrics but
// never crash the process.
type InvariantError struct{ error }

func Invariant(err error) error {
	return InvariantError{err}
}

func (e InvariantError) Unwrap() error { return e.error }

func IsInvariant(err error) bool {
	return errors.As(err, &InvariantError{})
}

// FatalError aborts processing of the current message: missing
// configuration, invalid credentials at startup, a master playlist that
// cannot be constructed after transcoding, or a source video that cannot be
// downloaded. It never aborts the process itself; the broker redelivers the
// message.
type FatalError struct{ error }

func Fatal(err error) error {
	return FatalError{err}
}

func (e FatalError) Unwrap() error { return e.error }

func IsFatal(err error) bool {
	return errors.As(err, &FatalError{})
}

// UnretriableError marks an error that should never be retried regardless
// of its underlying kind.
type UnretriableError struct{ error }

func Unretriable(err error) error {
	return UnretriableError{err}
}

func (e UnretriableError) Unwrap() error {
	return e.error
}

// IsUnretriable returns whether the given error is an unretriable error.
func IsUnretriable(err error) bool {
	return errors.As(err, &UnretriableError{})
}

type ObjectNotFoundError struct {
	msg   string
	cause error
}

func (e ObjectNotFoundError) Error() string {
	return e.msg
}

func (e ObjectNotFoundError) Unwrap() error {
	return e.cause
}

func NewObjectNotFoundError(msg string, cause error) error {
	if cause != nil {
		msg = fmt.Sprintf("ObjectNotFoundError: %s: %s", msg, cause)
	} else {
		msg = fmt.Sprintf("ObjectNotFoundError: %s", msg)
	}
	// every not found is unretriable
	return Unretriable(ObjectNotFoundError{msg: msg, cause: cause})
}

// IsObjectNotFound checks if the error is an ObjectNotFoundError.
func IsObjectNotFound(err error) bool {
	return errors.As(err, &ObjectNotFoundError{})
}

package chunk

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide between retrying,
// surfacing, or failing the owning task.
type Kind int

const (
	// KindIo is an underlying read/write failure. May be transient;
	// retried at the enclosing layer's discretion.
	KindIo Kind = iota
	// KindProvider is a remote target protocol error (auth, throttling,
	// malformed response). Non-fatal by default.
	KindProvider
	// KindNotFound means a chunk, sector, task, plan or checkpoint does
	// not exist.
	KindNotFound
	// KindErrorState means the operation was invoked against a lifecycle
	// state that forbids it. No state change happened.
	KindErrorState
	// KindAlreadyExists reports a uniqueness violation, e.g. a plan with
	// the same (type, source, target).
	KindAlreadyExists
	// KindInvalidInput covers parse failures in URLs, configs or sector
	// headers. Never retried.
	KindInvalidInput
	// KindInternal means an invariant was broken.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindIo:
		return "io"
	case KindProvider:
		return "provider"
	case KindNotFound:
		return "not_found"
	case KindErrorState:
		return "error_state"
	case KindAlreadyExists:
		return "already_exists"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "internal"
	}
}

// Error is the typed error carried across the engine, store and sector
// layers. It wraps an optional cause so errors.Is/As keep working.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches two Errors by kind, so errors.Is(err, &Error{Kind: KindNotFound})
// works without comparing messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// ErrIo wraps an I/O failure.
func ErrIo(cause error, format string, args ...interface{}) *Error {
	return newError(KindIo, cause, format, args...)
}

// ErrProvider wraps a remote provider failure.
func ErrProvider(cause error, format string, args ...interface{}) *Error {
	return newError(KindProvider, cause, format, args...)
}

// ErrNotFound reports a missing object.
func ErrNotFound(format string, args ...interface{}) *Error {
	return newError(KindNotFound, nil, format, args...)
}

// ErrState reports an operation forbidden by the current lifecycle state.
func ErrState(format string, args ...interface{}) *Error {
	return newError(KindErrorState, nil, format, args...)
}

// ErrAlreadyExists reports a uniqueness violation.
func ErrAlreadyExists(format string, args ...interface{}) *Error {
	return newError(KindAlreadyExists, nil, format, args...)
}

// ErrInvalidInput reports unparseable input.
func ErrInvalidInput(cause error, format string, args ...interface{}) *Error {
	return newError(KindInvalidInput, cause, format, args...)
}

// ErrInternal reports a broken invariant.
func ErrInternal(cause error, format string, args ...interface{}) *Error {
	return newError(KindInternal, cause, format, args...)
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err carries KindNotFound.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

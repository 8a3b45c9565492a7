package durable

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an invocation, promise or awakeable is unknown.
	ErrNotFound = errors.New("not found")

	// ErrNonDeterministic is returned when a replayed handler asks for a
	// different operation than the one recorded at the same journal index.
	ErrNonDeterministic = errors.New("non-deterministic handler")

	// ErrReadOnly is returned when a shared handler tries to write state.
	ErrReadOnly = errors.New("state is read-only in shared handlers")

	ErrUnknownService = errors.New("unknown service")
	ErrUnknownHandler = errors.New("unknown handler")
	ErrAlreadyStarted = errors.New("host already started")
)

// TerminalError marks a failure that must not be retried. The invocation
// completes as failed with the wrapped error's message.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal wraps err so the host stops retrying the invocation.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	var te *TerminalError
	if errors.As(err, &te) {
		return err
	}
	return &TerminalError{Err: err}
}

// Terminalf is Terminal(fmt.Errorf(format, args...)).
func Terminalf(format string, args ...any) error {
	return &TerminalError{Err: fmt.Errorf(format, args...)}
}

// IsTerminal reports whether err, or any error it wraps, is terminal.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// InvocationError is returned to callers awaiting an invocation or promise
// that completed with a failure.
type InvocationError struct {
	ID      string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.ID, e.Message)
}

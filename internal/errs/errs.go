package errs

import (
	"errors"
	"fmt"
)

// Code classifies a failure for retry and worker-recovery decisions.
type Code string

const (
	SessionCreation   Code = "session_creation"
	UseAfterClose     Code = "use_after_close"
	ResourceExhausted Code = "resource_exhausted"
	AmbiguousLocator  Code = "ambiguous_locator"
	ActionTimeout     Code = "action_timeout"
	TestTimeout       Code = "test_timeout"
	DriverChannelLost Code = "driver_channel_lost"
	Assertion         Code = "assertion"
	InvalidArgument   Code = "invalid_argument"
	Internal          Code = "internal"
)

// Error is a coded error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorCode implements Coder.
func (e *Error) ErrorCode() Code {
	return e.Code
}

// Coder is implemented by typed errors that live outside this package
// (timeouts, assertion failures) so they classify without wrapping.
type Coder interface {
	ErrorCode() Code
}

// New creates a coded error with message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error with message and cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf returns the outermost code found in the chain, defaulting to internal.
func CodeOf(err error) Code {
	if err == nil {
		return Internal
	}
	var coder Coder
	if errors.As(err, &coder) {
		if c := coder.ErrorCode(); c != "" {
			return c
		}
	}
	return Internal
}

// Is reports whether any error in the chain carries code.
func Is(err error, code Code) bool {
	for err != nil {
		if c, ok := err.(Coder); ok && c.ErrorCode() == code {
			return true
		}
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				if Is(inner, code) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	return false
}

// Retryable reports whether a failed attempt may be re-executed. Author and
// application errors are deterministic and are surfaced without retry.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	for _, c := range []Code{AmbiguousLocator, Assertion, InvalidArgument} {
		if Is(err, c) {
			return false
		}
	}
	return true
}

// WorkerFatal reports whether err leaves the owning worker's session
// hierarchy unusable, so the worker must be replaced.
func WorkerFatal(err error) bool {
	return Is(err, DriverChannelLost) || Is(err, SessionCreation)
}

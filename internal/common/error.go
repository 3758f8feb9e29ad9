package common

import (
	"errors"
	"fmt"
)

// Kind classifies failures raised by the reconstruction engine.
type Kind string

const (
	InvalidInput     Kind = "InvalidInput"
	InvalidParameter Kind = "InvalidParameter"
	ConvergenceError Kind = "ConvergenceError"
	NumericalError   Kind = "NumericalError"
	NotFound         Kind = "NotFound"
	IndexOutOfRange  Kind = "IndexOutOfRange"
	Conflict         Kind = "Conflict"
	Canceled         Kind = "Canceled"
	Internal         Kind = "Internal"
)

// Error is the error type returned across package boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err. Errors that did not originate here are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the message of err without the kind prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Msg, e.Err)
		}
		return e.Msg
	}
	return err.Error()
}

// Package kst exports stable shared types for interacting with kist.
package kst

import (
	"errors"
	"os"
)

// A StepError is returned while composing a sandbox launch.
type StepError struct {
	// A user-facing description of where the error occurred.
	Step string `json:"step"`
	// The underlying error value.
	Err error
	// An arbitrary error message, overriding the return value of Message if not empty.
	Msg string `json:"message,omitempty"`
}

func (e *StepError) Error() string { return e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }
func (e *StepError) Message() string {
	if e.Msg != "" {
		return e.Msg
	}

	switch {
	case errors.As(e.Err, new(*os.PathError)),
		errors.As(e.Err, new(*os.LinkError)),
		errors.As(e.Err, new(*os.SyscallError)):
		return "cannot " + e.Error()

	default:
		return "cannot " + e.Step + ": " + e.Error()
	}
}

// Fail wraps err as a [StepError] for step.
func Fail(step string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Step: step, Err: err}
}

// Failf returns a [StepError] with a message and [os.ErrInvalid] as the
// underlying error, for configuration failures with no meaningful cause.
func Failf(step, msg string) error {
	return &StepError{Step: step, Err: os.ErrInvalid, Msg: msg}
}

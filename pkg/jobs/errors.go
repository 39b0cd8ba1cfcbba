package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies input/config/payload validation failures.
	ErrValidation = errors.New("jobs validation error")
	// ErrConflict classifies state conflicts (for example a record claimed by another worker).
	ErrConflict = errors.New("jobs conflict")
	// ErrNotFound classifies missing logical resources (for example an unregistered handler).
	ErrNotFound = errors.New("jobs not found")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("jobs invalid argument")
	// ErrNotInitialized classifies missing engine/worker initialization.
	ErrNotInitialized = errors.New("jobs not initialized")
	// ErrClosed classifies operations on an already closed engine.
	ErrClosed = errors.New("jobs closed")
	// ErrUnsupported classifies operations a backend cannot express.
	ErrUnsupported = errors.New("jobs unsupported operation")
)

func jobsError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Reason string
	Err    error
}

// Error returns Reason, which already carries the cause text when built by
// FailPermanentlyf.
func (e *PermanentError) Error() string {
	switch {
	case e.Reason != "":
		return e.Reason
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "job failed permanently"
	}
}

func (e *PermanentError) Unwrap() error { return e.Err }

// FailPermanently returns an error that sends the job straight to the failed
// state, whatever its remaining attempts.
func FailPermanently(reason string) error {
	return &PermanentError{Reason: reason}
}

// FailPermanentlyf is FailPermanently with formatting. A %w verb keeps the
// wrapped cause reachable through errors.Is.
func FailPermanentlyf(format string, args ...any) error {
	wrapped := fmt.Errorf(format, args...)
	return &PermanentError{Reason: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

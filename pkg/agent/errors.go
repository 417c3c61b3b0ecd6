package agent

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass governs whether a failure is retried, escalated, or fatal.
type ErrorClass string

const (
	// ErrorTransient failures are retried up to the configured maximum.
	ErrorTransient ErrorClass = "Transient"
	// ErrorFatal failures are never retried.
	ErrorFatal ErrorClass = "Fatal"
	// ErrorValidationFailure marks input or output the handler rejected.
	ErrorValidationFailure ErrorClass = "ValidationFailure"
	// ErrorQualityGate marks a result or attempt blocked by a quality gate.
	ErrorQualityGate ErrorClass = "QualityGate"
	// ErrorBudgetExhausted marks a refused budget reservation.
	ErrorBudgetExhausted ErrorClass = "BudgetExhausted"
	// ErrorTimeout marks an invocation that exceeded its deadline.
	ErrorTimeout ErrorClass = "Timeout"
	// ErrorCancelled marks an invocation abandoned because its parent was cancelled.
	ErrorCancelled ErrorClass = "Cancelled"
)

// Retryable reports whether the executor retries this class on its own.
func (c ErrorClass) Retryable() bool {
	return c == ErrorTransient || c == ErrorTimeout
}

// Error is the failure value handlers return.
type Error struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Err     error      `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error of the given class.
func NewError(class ErrorClass, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps err as a retryable failure.
func Transient(err error) *Error {
	return &Error{Class: ErrorTransient, Message: err.Error(), Err: err}
}

// Fatal wraps err as a non-retryable failure.
func Fatal(err error) *Error {
	return &Error{Class: ErrorFatal, Message: err.Error(), Err: err}
}

// Classify maps any error returned from a handler to an ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Class != "" {
		return ae.Class
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCancelled
	}
	return ErrorFatal
}

// Package apperrors provides structured relay errors classified by failure kind.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation        = errors.New("validation error")
	ErrConflict          = errors.New("conflict")
	ErrStorage           = errors.New("storage failure")
	ErrUpload            = errors.New("upload failure")
	ErrSubmission        = errors.New("submission failure")
	ErrSignalBus         = errors.New("signal bus failure")
	ErrCompletionTimeout = errors.New("completion timeout")
	ErrFetch             = errors.New("fetch failure")
	ErrConnectionLost    = errors.New("connection lost")
	ErrCanceled          = errors.New("canceled")
	ErrUnavailable       = errors.New("service unavailable")
	ErrInternal          = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "payload", "workflow")
	Resource string // For conflicts (e.g., "watcher")
	Op       string // Operation that failed (e.g., "comfy.upload")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is matches the
// failure kind as well as e.g. context.DeadlineExceeded from the cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return wrap(ErrInternal, op, cause)
}

// Storage reports that inbound or outbound bytes could not be persisted.
func Storage(op string, cause error) error {
	return wrap(ErrStorage, op, cause)
}

// Upload reports that the backend rejected the image or was unreachable.
func Upload(op string, cause error) error {
	return wrap(ErrUpload, op, cause)
}

// Submission reports that the job description was rejected or could not be sent.
func Submission(op string, cause error) error {
	return wrap(ErrSubmission, op, cause)
}

// SignalBus reports that a signal could not be published or consumed.
func SignalBus(op string, cause error) error {
	return wrap(ErrSignalBus, op, cause)
}

// Fetch reports that job outputs could not be retrieved.
func Fetch(op string, cause error) error {
	return wrap(ErrFetch, op, cause)
}

// ConnectionLost reports that the backend event stream dropped before completion.
func ConnectionLost(op string, cause error) error {
	return wrap(ErrConnectionLost, op, cause)
}

// Canceled reports that the caller went away before the operation finished.
func Canceled(op string, cause error) error {
	return wrap(ErrCanceled, op, cause)
}

// Unavailable reports that the process is not accepting new work.
func Unavailable(op, reason string) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  reason,
		Op:       op,
	}
}

// CompletionTimeout reports that no completion signal arrived within the bound.
func CompletionTimeout(correlationID string, after time.Duration) error {
	return &Error{
		Sentinel: ErrCompletionTimeout,
		Message:  fmt.Sprintf("no completion signal for %s after %s", correlationID, after),
		Op:       "relay.wait",
	}
}

func wrap(sentinel error, op string, cause error) error {
	msg := fmt.Sprintf("%s: %s", sentinel, op)
	if cause != nil {
		msg = fmt.Sprintf("%s: %s: %v", sentinel, op, cause)
	}
	return &Error{
		Sentinel: sentinel,
		Message:  msg,
		Op:       op,
		Cause:    cause,
	}
}

// Kind returns a short, stable label for the failure kind of err.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrUpload):
		return "upload"
	case errors.Is(err, ErrSubmission):
		return "submission"
	case errors.Is(err, ErrSignalBus):
		return "signal_bus"
	case errors.Is(err, ErrCompletionTimeout):
		return "completion_timeout"
	case errors.Is(err, ErrFetch):
		return "fetch"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

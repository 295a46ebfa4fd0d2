// Package errors defines the failure taxonomy of the command pipeline.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common pipeline outcomes.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrNoUserContext   = errors.New("no user context")
	ErrDenied          = errors.New("permission denied")
	ErrApprovalNeeded  = errors.New("approval required")
	ErrInvalidInput    = errors.New("invalid input")
	ErrVersionConflict = errors.New("version conflict")
	ErrTimeout         = errors.New("operation timed out")
	ErrUnavailable     = errors.New("service unavailable")
)

// SchemaError reports a payload that failed schema validation.
// Nothing is persisted when a SchemaError is returned.
type SchemaError struct {
	EventType string
	Field     string
	Message   string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema validation failed for %s: field %q: %s", e.EventType, e.Field, e.Message)
	}
	return fmt.Sprintf("schema validation failed for %s: %s", e.EventType, e.Message)
}

// NewSchemaError creates a SchemaError for the given event type.
func NewSchemaError(eventType, field, message string) *SchemaError {
	return &SchemaError{EventType: eventType, Field: field, Message: message}
}

// IsSchemaError reports whether err is (or wraps) a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// HandlerError wraps a single handler's failure during dispatch.
// One handler's failure never prevents the others from running.
type HandlerError struct {
	Handler   string
	EventID   string
	EventType string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on %s (%s): %v", e.Handler, e.EventType, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// TerminalError marks an event whose execution retries are exhausted.
// Terminal failures are dead-lettered and alerted, never retried again.
type TerminalError struct {
	EventID  string
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("event %s failed after %d attempts: %v", e.EventID, e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// StorageError reports a failure talking to a storage backend.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRetryable returns true if the error is likely transient and worth retrying.
// Schema and permission failures are deterministic and never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsSchemaError(err) {
		return false
	}
	if errors.Is(err, ErrDenied) || errors.Is(err, ErrApprovalNeeded) ||
		errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNoUserContext) {
		return false
	}
	var se *StorageError
	if errors.As(err, &se) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrVersionConflict)
}

package errors

import (
	stderrors "errors"
	"fmt"
)

// CoreError is the structured error type for the research core.
// It carries enough context for retry decisions, logging, and the API layer.
type CoreError struct {
	// Code is the unique error code (e.g., "ERR_201_STORAGE_IO").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Transport, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried whole.
	Retryable bool
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *CoreError) Is(target error) bool {
	if t, ok := target.(*CoreError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *CoreError) WithDetail(key, value string) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new CoreError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *CoreError {
	return &CoreError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a CoreError from an existing error.
func Wrap(code string, err error) *CoreError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// StorageError creates a transient storage error (retryable).
func StorageError(message string, cause error) *CoreError {
	return New(ErrCodeStorageIO, message, cause)
}

// ValidationError creates a validation error (never retried).
func ValidationError(message string, cause error) *CoreError {
	return New(ErrCodeInvalidInput, message, cause)
}

// ConsistencyViolation flags a diverged lexical/vector pair. The condition
// is surfaced for a repair job, never silently ignored.
func ConsistencyViolation(message string) *CoreError {
	return New(ErrCodeIndexDiverged, message, nil)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *CoreError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable. Non-CoreError values are
// treated as retryable transients: unknown failures get the benefit of
// bounded retries before dead-lettering.
func IsRetryable(err error) bool {
	var ce *CoreError
	if stderrors.As(err, &ce) {
		return ce.Retryable
	}
	return err != nil
}

// IsValidation checks if an error is a validation error of any code.
func IsValidation(err error) bool {
	var ce *CoreError
	if stderrors.As(err, &ce) {
		return ce.Category == CategoryValidation
	}
	return false
}

// CodeOf returns the error code, or ERR_501_INTERNAL for foreign errors.
func CodeOf(err error) string {
	var ce *CoreError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

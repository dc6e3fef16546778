package errors

import (
	"fmt"
)

// DiscoveryError is the structured error type for the discovery index.
// It provides context for error handling, logging, and caller presentation.
type DiscoveryError struct {
	// Code is the unique error code (e.g., "ERR_402_DIMENSION_MISMATCH").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *DiscoveryError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with DiscoveryError.
func (e *DiscoveryError) Is(target error) bool {
	if t, ok := target.(*DiscoveryError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *DiscoveryError) WithDetail(key, value string) *DiscoveryError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new DiscoveryError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *DiscoveryError {
	return &DiscoveryError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a DiscoveryError from an existing error.
// The error's message becomes the DiscoveryError message.
func Wrap(code string, err error) *DiscoveryError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ValidationError creates a validation-related error.
// Validation errors are always surfaced to the caller, never coerced.
func ValidationError(message string, cause error) *DiscoveryError {
	return New(ErrCodeInvalidInput, message, cause)
}

// EmbeddingUnavailable creates an error signalling the embedding model or
// service could not be reached. Tag-only search can still proceed.
func EmbeddingUnavailable(message string, cause error) *DiscoveryError {
	return New(ErrCodeEmbeddingUnavailable, message, cause)
}

// BackendTransient creates a retryable backend I/O error.
func BackendTransient(message string, cause error) *DiscoveryError {
	return New(ErrCodeBackendTransient, message, cause)
}

// StaleIndex creates a non-fatal warning that the file-backed index is
// known out of date. Queries continue serving the last-good snapshot.
func StaleIndex(message string) *DiscoveryError {
	return New(ErrCodeStaleIndex, message, nil)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a DiscoveryError with the Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if de, ok := err.(*DiscoveryError); ok {
		return de.Retryable
	}
	return false
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	if de, ok := err.(*DiscoveryError); ok {
		return de.Category == CategoryValidation
	}
	return false
}

// GetCode extracts the error code from a DiscoveryError.
// Returns empty string if not a DiscoveryError.
func GetCode(err error) string {
	if de, ok := err.(*DiscoveryError); ok {
		return de.Code
	}
	return ""
}

// GetCategory extracts the category from a DiscoveryError.
// Returns empty string if not a DiscoveryError.
func GetCategory(err error) Category {
	if de, ok := err.(*DiscoveryError); ok {
		return de.Category
	}
	return ""
}

// Package errors provides structured error types for the Kestrel system.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation      ErrorCategory = "VALIDATION"
	ErrCategoryStorage         ErrorCategory = "STORAGE"
	ErrCategorySchema          ErrorCategory = "SCHEMA"
	ErrCategoryMaterialization ErrorCategory = "MATERIALIZATION"
	ErrCategoryRetrieval       ErrorCategory = "RETRIEVAL"
	ErrCategoryInternal        ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeMalformedEvent = "MALFORMED_EVENT"
	CodeEmptyBatch     = "EMPTY_BATCH"
	CodeInvalidRange   = "INVALID_RANGE"

	// Storage codes
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeScanFailed       = "SCAN_FAILED"
	CodeWriteFailed      = "WRITE_FAILED"
	CodeTimeout          = "TIMEOUT"

	// Schema codes
	CodeSchemaMismatch = "SCHEMA_MISMATCH"
	CodeUnknownView    = "UNKNOWN_VIEW"

	// Materialization codes
	CodePartialMaterialization = "PARTIAL_MATERIALIZATION"
	CodeWatermarkConflict      = "WATERMARK_CONFLICT"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// KestrelError is the structured error type used throughout the system.
type KestrelError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *KestrelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *KestrelError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *KestrelError) Is(target error) bool {
	var t *KestrelError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new KestrelError.
func New(category ErrorCategory, code, message string) *KestrelError {
	return &KestrelError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new KestrelError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *KestrelError {
	return &KestrelError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *KestrelError) WithDetails(details map[string]interface{}) *KestrelError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ke *KestrelError
	if errors.As(err, &ke) {
		return ke.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a KestrelError.
func GetCategory(err error) ErrorCategory {
	var ke *KestrelError
	if errors.As(err, &ke) {
		return ke.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a KestrelError.
func GetCode(err error) string {
	var ke *KestrelError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Store
// unavailability and timeouts are transient; the remainder of a partial
// materialization can always be retried because online writes are
// idempotent. Schema mismatches are never retryable.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeStoreUnavailable:
		return true
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	case category == ErrCategoryStorage && code == CodeTimeout:
		return true
	case category == ErrCategoryMaterialization && code == CodePartialMaterialization:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

// NewMalformedEventError reports a bad input event. These are skipped and
// counted per event; they never abort a whole batch.
func NewMalformedEventError(message string) *KestrelError {
	return New(ErrCategoryValidation, CodeMalformedEvent, message)
}

func NewValidationError(code, message string) *KestrelError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *KestrelError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

// NewSchemaMismatchError reports disagreement between a feature view
// definition and stored data. Fatal, surfaced immediately, never coerced.
func NewSchemaMismatchError(message string) *KestrelError {
	return New(ErrCategorySchema, CodeSchemaMismatch, message)
}

func NewMaterializationError(code, message string, cause error) *KestrelError {
	return Wrap(ErrCategoryMaterialization, code, message, cause)
}

func NewRetrievalError(message string, cause error) *KestrelError {
	return Wrap(ErrCategoryRetrieval, CodeUnexpected, message, cause)
}

func NewInternalError(message string, cause error) *KestrelError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

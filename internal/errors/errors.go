// Package errors provides structured error types for feedsync.
// Every error carries a category, code, message, and retryable flag so the
// apply protocol can report why a table pass was rejected or rolled back.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the stage that produced them.
type ErrorCategory string

const (
	ErrCategoryDrift      ErrorCategory = "DRIFT"
	ErrCategoryExecution  ErrorCategory = "EXECUTION"
	ErrCategorySource     ErrorCategory = "SOURCE"
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryManifest   ErrorCategory = "MANIFEST"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Drift codes
	CodeUnsafeDrift = "UNSAFE_DRIFT"
	CodeStrictDrift = "STRICT_DRIFT"

	// Execution codes
	CodeExecutionFailed = "EXECUTION_FAILED"
	CodeCatalogFailed   = "CATALOG_FAILED"

	// Source codes
	CodeSourceUnavailable = "SOURCE_UNAVAILABLE"

	// Validation codes
	CodeInvalidIdentifier = "INVALID_IDENTIFIER"
	CodeMissingID         = "MISSING_ID"
	CodeInvalidValue      = "INVALID_VALUE"
	CodeUnknownTable      = "UNKNOWN_TABLE"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Manifest codes
	CodeWriteConflict = "WRITE_CONFLICT"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// FeedsyncError is the structured error type used throughout the system.
type FeedsyncError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *FeedsyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *FeedsyncError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *FeedsyncError) Is(target error) bool {
	var t *FeedsyncError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new FeedsyncError.
func New(category ErrorCategory, code, message string) *FeedsyncError {
	return &FeedsyncError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new FeedsyncError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *FeedsyncError {
	return &FeedsyncError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *FeedsyncError) WithDetails(details map[string]interface{}) *FeedsyncError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var fe *FeedsyncError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a FeedsyncError.
func GetCategory(err error) ErrorCategory {
	var fe *FeedsyncError
	if errors.As(err, &fe) {
		return fe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a FeedsyncError.
func GetCode(err error) string {
	var fe *FeedsyncError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// isRetryable marks the failures a later pass may recover from.
// Drift never resolves itself without operator action.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryExecution && code == CodeExecutionFailed:
		return true
	case category == ErrCategorySource && code == CodeSourceUnavailable:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryManifest && code == CodeWriteConflict:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewUnsafeDriftError(table string, removed, changed []string) *FeedsyncError {
	return New(ErrCategoryDrift, CodeUnsafeDrift,
		fmt.Sprintf("table %s has columns missing from or incompatible with the feed", table)).
		WithDetails(map[string]interface{}{"table": table, "removed": removed, "changed": changed})
}

func NewStrictDriftError(table string, added []string) *FeedsyncError {
	return New(ErrCategoryDrift, CodeStrictDrift,
		fmt.Sprintf("table %s schema differs from the feed", table)).
		WithDetails(map[string]interface{}{"table": table, "added": added})
}

func NewExecutionError(message string, cause error) *FeedsyncError {
	return Wrap(ErrCategoryExecution, CodeExecutionFailed, message, cause)
}

func NewSourceError(message string, cause error) *FeedsyncError {
	return Wrap(ErrCategorySource, CodeSourceUnavailable, message, cause)
}

func NewValidationError(code, message string) *FeedsyncError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *FeedsyncError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewManifestError(code, message string, cause error) *FeedsyncError {
	return Wrap(ErrCategoryManifest, code, message, cause)
}

func NewInternalError(message string, cause error) *FeedsyncError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

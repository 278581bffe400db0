// Package errors provides the structured error type used across the
// Strata engine. Every error carries a category, a code and a
// retryable flag so callers branch on classification instead of
// message text.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory names the component an error came from.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryRegistry   ErrorCategory = "REGISTRY"
	ErrCategoryWarehouse  ErrorCategory = "WAREHOUSE"
	ErrCategoryHydration  ErrorCategory = "HYDRATION"
	ErrCategoryPipeline   ErrorCategory = "PIPELINE"
	ErrCategoryExport     ErrorCategory = "EXPORT"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidSchema = "INVALID_SCHEMA"
	CodeInvalidBatch  = "INVALID_BATCH"
	CodeInvalidLogic  = "INVALID_LOGIC"

	// Registry codes
	CodeWriteConflict     = "WRITE_CONFLICT"
	CodeBlueprintNotFound = "BLUEPRINT_NOT_FOUND"
	CodeUnknownModel      = "UNKNOWN_MASTER_MODEL"

	// Warehouse codes
	CodeStoreUnreachable = "STORE_UNREACHABLE"
	CodeTableNotFound    = "TABLE_NOT_FOUND"
	CodeCorruptPayload   = "CORRUPT_PAYLOAD"

	// Hydration codes
	CodeUnknownMapping = "UNKNOWN_MAPPING"

	// Pipeline codes
	CodeStageFailed = "STAGE_FAILED"
	CodeRunActive   = "RUN_ACTIVE"

	// Export codes
	CodeUploadFailed = "UPLOAD_FAILED"
	CodeSinkFailed   = "SINK_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// StrataError is the structured error type used throughout the system.
type StrataError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

func (e *StrataError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.Cause == nil {
		return msg
	}
	return msg + ": " + e.Cause.Error()
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *StrataError) Unwrap() error {
	return e.Cause
}

// Is matches on category and code, so two errors minted at different
// call sites still compare equal when they mean the same condition.
func (e *StrataError) Is(target error) bool {
	t, ok := target.(*StrataError)
	return ok && e.Category == t.Category && e.Code == t.Code
}

// New creates a StrataError with no cause.
func New(category ErrorCategory, code, message string) *StrataError {
	return Wrap(category, code, message, nil)
}

// Wrap creates a StrataError around an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *StrataError {
	return &StrataError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error carrying extra key-value
// context. The original is left untouched.
func (e *StrataError) WithDetails(details map[string]interface{}) *StrataError {
	cp := *e
	cp.Details = details
	return &cp
}

func asStrata(err error) (*StrataError, bool) {
	var se *StrataError
	ok := errors.As(err, &se)
	return se, ok
}

// IsRetryable reports whether the error chain carries a retryable
// StrataError.
func IsRetryable(err error) bool {
	se, ok := asStrata(err)
	return ok && se.Retryable
}

// GetCategory extracts the category from an error chain, or "" when
// the chain holds no StrataError.
func GetCategory(err error) ErrorCategory {
	if se, ok := asStrata(err); ok {
		return se.Category
	}
	return ""
}

// GetCode extracts the code from an error chain, or "" when the chain
// holds no StrataError.
func GetCode(err error) string {
	if se, ok := asStrata(err); ok {
		return se.Code
	}
	return ""
}

// isRetryable marks the transient infrastructure conditions. Semantic
// conditions (unknown fingerprint, cast failure) degrade to null data
// instead of erroring, so they never qualify.
func isRetryable(category ErrorCategory, code string) bool {
	switch category {
	case ErrCategoryExport:
		return code == CodeUploadFailed
	case ErrCategoryRegistry:
		return code == CodeWriteConflict
	case ErrCategoryWarehouse:
		return code == CodeStoreUnreachable
	}
	return false
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *StrataError {
	return New(ErrCategoryValidation, code, message)
}

func NewRegistryError(code, message string, cause error) *StrataError {
	return Wrap(ErrCategoryRegistry, code, message, cause)
}

func NewWarehouseError(code, message string, cause error) *StrataError {
	return Wrap(ErrCategoryWarehouse, code, message, cause)
}

func NewPipelineError(code, message string, cause error) *StrataError {
	return Wrap(ErrCategoryPipeline, code, message, cause)
}

func NewExportError(code, message string, cause error) *StrataError {
	return Wrap(ErrCategoryExport, code, message, cause)
}

func NewInternalError(message string, cause error) *StrataError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

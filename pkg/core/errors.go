package core

import (
	"errors"
	"fmt"
)

// ExecutionError represents a structured error with category and details
type ExecutionError struct {
	Category ErrorCategory
	Code     string                 // Machine-readable code: unresolved_target, transport, etc.
	Message  string                 // Human-readable message
	Details  map[string]interface{} // Additional context
	Cause    error                  // Underlying error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by category and code, so a copy produced by
// WithCause or WithMessage still satisfies errors.Is(err, ErrParse).
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		Cause:    cause,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  msg,
		Details:  e.Details,
		Cause:    e.Cause,
	}
}

// WithDetails returns a copy of the error with additional details
func (e *ExecutionError) WithDetails(details map[string]interface{}) *ExecutionError {
	merged := make(map[string]interface{})
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  merged,
		Cause:    e.Cause,
	}
}

// Predefined errors
var (
	ErrParse = &ExecutionError{
		Category: ErrCategoryParse,
		Code:     "parse_error",
		Message:  "malformed accessibility dump",
	}

	ErrUnresolvedTarget = &ExecutionError{
		Category: ErrCategoryUnresolvedTarget,
		Code:     "unresolved_target",
		Message:  "no locator strategy produced a candidate",
	}

	ErrTransport = &ExecutionError{
		Category: ErrCategoryTransport,
		Code:     "transport",
		Message:  "device transport failed",
	}

	ErrDriverOperation = &ExecutionError{
		Category: ErrCategoryDriverOperation,
		Code:     "driver_operation",
		Message:  "driver operation failed",
	}
	ErrUnsupportedStrategy = &ExecutionError{
		Category: ErrCategoryDriverOperation,
		Code:     "unsupported_strategy",
		Message:  "locator strategy not supported by session",
	}

	ErrTextNotFound = &ExecutionError{
		Category: ErrCategoryAssertion,
		Code:     "text_not_found",
		Message:  "expected text not found on screen",
	}

	ErrWaitTimeout = &ExecutionError{
		Category: ErrCategoryTimeout,
		Code:     "wait_timeout",
		Message:  "wait condition timed out",
	}

	ErrCancelled = &ExecutionError{
		Category: ErrCategoryCancelled,
		Code:     "cancelled",
		Message:  "run cancelled",
	}

	ErrInvalidPlan = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "invalid_plan",
		Message:  "invalid action plan",
	}
	ErrInvalidConfig = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "invalid_config",
		Message:  "invalid configuration",
	}
)

// NewExecutionError creates a new ExecutionError with the given parameters
func NewExecutionError(category ErrorCategory, code, message string) *ExecutionError {
	return &ExecutionError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// CategoryOf returns the category of the first ExecutionError in err's chain,
// or ErrCategoryNone.
func CategoryOf(err error) ErrorCategory {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ErrCategoryNone
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, cat ErrorCategory) bool {
	return err != nil && CategoryOf(err) == cat
}

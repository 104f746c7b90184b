package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatConflict   ErrorCategory = "conflict"   // Compare-and-set lost its race, lease held
	ErrCatTransient  ErrorCategory = "transient"  // Backend call failed, next tick retries
	ErrCatTimeout    ErrorCategory = "timeout"    // Bounded wait exceeded
	ErrCatInvariant  ErrorCategory = "invariant"  // Routing state is not what it must be
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrConflict creates a conflict error. Conflicts are expected under
// concurrency; callers abort and wait for the next natural trigger.
func ErrConflict(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrTransient creates a backend failure error.
func ErrTransient(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTransient,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: false,
	}
}

// ErrInvariant creates an invariant violation. These are always fatal
// for the operation that hit them and must be alerted.
func ErrInvariant(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatInvariant,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// IsConflict reports whether err is a lost compare-and-set or a held lease.
func IsConflict(err error) bool {
	return err != nil && IsCategory(err, ErrCatConflict)
}

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool {
	return err != nil && IsCategory(err, ErrCatInvariant)
}

// Predefined error codes
const (
	CodeStashNotEmpty     = "STASH_NOT_EMPTY"
	CodeStashChanged      = "STASH_CHANGED"
	CodeStashEmpty        = "STASH_EMPTY"
	CodeStateCorrupted    = "STATE_CORRUPTED"
	CodeLeaseHeld         = "LEASE_HELD"
	CodeLeaseLost         = "LEASE_LOST"
	CodeRuleOnFallback    = "RULE_ALREADY_ON_FALLBACK"
	CodeLockAcquireFailed = "LOCK_ACQUIRE_FAILED"

	CodeMetricsQuery  = "METRICS_QUERY_FAILED"
	CodeWorkloadCall  = "WORKLOAD_CALL_FAILED"
	CodeRouterCall    = "ROUTER_CALL_FAILED"
	CodeScheduleCall  = "SCHEDULE_CALL_FAILED"
	CodeHealthTimeout = "HEALTH_TIMEOUT"

	CodeInvalidConfig = "INVALID_CONFIG"
	CodeInvalidRule   = "INVALID_RULE"
)

// WrapBackend attaches context to a failed backend call. Domain errors keep
// their category; anything else becomes a transient error with code.
func WrapBackend(code, message string, err error) error {
	if err == nil {
		return nil
	}
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return fmt.Errorf("%s: %w", message, err)
	}
	return ErrTransient(code, message).WithCause(err)
}

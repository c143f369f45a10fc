package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Taxonomy codes carried by every structured failure. Runtime codes surface
// as MutationResult.error_code; compile-time codes abort generation.
const (
	CodeValidationFailed    = "ValidationFailed"
	CodeNotFound            = "NotFound"
	CodeUniqueConstraint    = "UniqueConstraintViolated"
	CodeConcurrencyConflict = "ConcurrencyConflict"
	CodeDependencyCycle     = "DependencyCycle"
	CodeImpactMismatch      = "ImpactMismatch"
	CodeTimeout             = "Timeout"
	CodeUnknown             = "Unknown"
)

// AppError is the base interface for all application errors
type AppError interface {
	error
	HTTPStatus() int
	Code() string
}

// ValidationError represents a failed validate step or invalid input.
// ErrCode may carry a step-specific code (e.g. "invalid_price"); it
// defaults to ValidationFailed.
type ValidationError struct {
	Field   string
	Message string
	ErrCode string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) HTTPStatus() int {
	return http.StatusBadRequest
}

func (e *ValidationError) Code() string {
	if e.ErrCode != "" {
		return e.ErrCode
	}
	return CodeValidationFailed
}

// NewValidationError creates a ValidationError with the default code
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError represents an entity row that could not be resolved,
// including soft-deleted rows.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s with id '%s' not found", e.Entity, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Entity)
}

func (e *NotFoundError) HTTPStatus() int {
	return http.StatusNotFound
}

func (e *NotFoundError) Code() string {
	return CodeNotFound
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// UniqueConstraintError represents a duplicate value on a unique column
type UniqueConstraintError struct {
	Entity string
	Field  string
	Value  string
}

func (e *UniqueConstraintError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s already exists with %s='%s'", e.Entity, e.Field, e.Value)
	}
	return fmt.Sprintf("%s violates a unique constraint", e.Entity)
}

func (e *UniqueConstraintError) HTTPStatus() int {
	return http.StatusConflict
}

func (e *UniqueConstraintError) Code() string {
	return CodeUniqueConstraint
}

// ConcurrencyConflictError represents a failed optimistic version check
type ConcurrencyConflictError struct {
	Entity          string
	ID              string
	ExpectedVersion int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("%s '%s' was modified concurrently (expected version %d)", e.Entity, e.ID, e.ExpectedVersion)
}

func (e *ConcurrencyConflictError) HTTPStatus() int {
	return http.StatusConflict
}

func (e *ConcurrencyConflictError) Code() string {
	return CodeConcurrencyConflict
}

// DependencyCycleError is a compile-time failure: the view dependency
// graph contains a cycle. Generation aborts, nothing is emitted.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("view dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

func (e *DependencyCycleError) HTTPStatus() int {
	return http.StatusUnprocessableEntity
}

func (e *DependencyCycleError) Code() string {
	return CodeDependencyCycle
}

// ImpactMismatchError is a compile-time failure: the declared impact set
// does not match the set derived from the compiled steps.
type ImpactMismatchError struct {
	Action   string
	Kind     string // "writes", "reads" or "views"
	Declared []string
	Derived  []string
}

func (e *ImpactMismatchError) Error() string {
	return fmt.Sprintf("action '%s': declared %s [%s] do not match derived [%s]",
		e.Action, e.Kind, strings.Join(e.Declared, ", "), strings.Join(e.Derived, ", "))
}

func (e *ImpactMismatchError) HTTPStatus() int {
	return http.StatusUnprocessableEntity
}

func (e *ImpactMismatchError) Code() string {
	return CodeImpactMismatch
}

// TimeoutError represents an engine-level statement or transaction timeout
type TimeoutError struct {
	Action string
	Cause  error
}

func (e *TimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("action '%s' timed out: %v", e.Action, e.Cause)
	}
	return fmt.Sprintf("action '%s' timed out", e.Action)
}

func (e *TimeoutError) HTTPStatus() int {
	return http.StatusGatewayTimeout
}

func (e *TimeoutError) Code() string {
	return CodeTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Helper functions for error checking

// IsValidation checks if an error is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound checks if an error is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsUniqueConstraint checks if an error is a UniqueConstraintError
func IsUniqueConstraint(err error) bool {
	var uc *UniqueConstraintError
	return errors.As(err, &uc)
}

// IsConcurrencyConflict checks if an error is a ConcurrencyConflictError
func IsConcurrencyConflict(err error) bool {
	var cc *ConcurrencyConflictError
	return errors.As(err, &cc)
}

// IsDependencyCycle checks if an error is a DependencyCycleError
func IsDependencyCycle(err error) bool {
	var dc *DependencyCycleError
	return errors.As(err, &dc)
}

// IsImpactMismatch checks if an error is an ImpactMismatchError
func IsImpactMismatch(err error) bool {
	var im *ImpactMismatchError
	return errors.As(err, &im)
}

// IsTimeout checks if an error is a TimeoutError
func IsTimeout(err error) bool {
	var to *TimeoutError
	return errors.As(err, &to)
}

// GetErrorCode returns the taxonomy code for an error.
// Returns Unknown if the error doesn't implement AppError.
func GetErrorCode(err error) string {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr.Code()
	}
	return CodeUnknown
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 if the error doesn't implement AppError.
func GetHTTPStatus(err error) int {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

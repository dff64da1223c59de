// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/flowtree/pkg/lock"
	"github.com/dukex/flowtree/pkg/persistence"
	"github.com/dukex/flowtree/pkg/snapshot"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrEmptyUserID    = errors.New("user ID cannot be empty")
	ErrInvalidStatus  = errors.New("invalid flow status")

	// ErrVersionMismatch is returned for snapshots of an unsupported format (400 Bad Request).
	ErrVersionMismatch = snapshot.ErrVersionMismatch

	// Ownership (403 Forbidden).
	ErrUnauthorized = errors.New("flow belongs to another user")

	// Lookup (404 Not Found).
	ErrNotFound = errors.New("not found")

	// Conflict (409 Conflict).
	ErrConflict = errors.New("already exists")

	// Structural Errors (422 Unprocessable Entity).
	ErrInvalidStructuralOperation = errors.New("invalid structural operation")
	ErrTemplateCycle              = fmt.Errorf("template references itself: %w", ErrInvalidStructuralOperation)
)

// Infrastructure Errors (5xx responses).
var (
	// ErrPartialFailure marks a multi-step operation that stopped midway on a
	// store without rollback. Some writes were applied.
	ErrPartialFailure = errors.New("operation partially applied")

	// ErrStoreUnavailable is returned when storage could not serve the request.
	ErrStoreUnavailable = persistence.ErrStoreUnavailable
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Kind    error  // Sentinel classifying the failure
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}

	return e.Err != nil && errors.Is(e.Err, target)
}

// PartialFailureError reports which records a failed multi-step operation had
// already written.
type PartialFailureError struct {
	Op      string
	Created []string
	Updated []string
	Deleted []string
	Err     error
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, 3)

	if len(e.Created) > 0 {
		parts = append(parts, fmt.Sprintf("created %s", strings.Join(e.Created, ",")))
	}

	if len(e.Updated) > 0 {
		parts = append(parts, fmt.Sprintf("updated %s", strings.Join(e.Updated, ",")))
	}

	if len(e.Deleted) > 0 {
		parts = append(parts, fmt.Sprintf("deleted %s", strings.Join(e.Deleted, ",")))
	}

	if len(parts) == 0 {
		parts = append(parts, "no writes applied")
	}

	return fmt.Sprintf("%s: %v (%s): %v", e.Op, ErrPartialFailure, strings.Join(parts, "; "), e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure || errors.Is(e.Err, target)
}

// Written reports whether any record was touched before the failure.
func (e *PartialFailureError) Written() bool {
	return len(e.Created)+len(e.Updated)+len(e.Deleted) > 0
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrEmptyUserID) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrVersionMismatch)
}

// IsNotFound checks if an error should return HTTP 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnauthorized checks if an error should return HTTP 403.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsConflictError checks if an error should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsStructuralError checks if an error is a rejected tree mutation that should return HTTP 422.
func IsStructuralError(err error) bool {
	return errors.Is(err, ErrInvalidStructuralOperation)
}

// IsPartialFailure checks if an operation left some writes behind.
func IsPartialFailure(err error) bool {
	return errors.Is(err, ErrPartialFailure)
}

// IsStoreUnavailable checks if an error came from storage or lock infrastructure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, lock.ErrNotAcquired)
}

// IsRetryable reports whether repeating the same call may succeed. Partial
// failures are retryable only for idempotent operations, which callers decide.
func IsRetryable(err error) bool {
	return IsStoreUnavailable(err) && !IsPartialFailure(err)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Kind:    ErrInvalidRequest,
		Err:     err,
	}
}

func newStructuralError(op, message string) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    "invalid_structural_operation",
		Message: message,
		Kind:    ErrInvalidStructuralOperation,
	}
}

func newUnauthorizedError(op, id string) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    "unauthorized",
		Message: fmt.Sprintf("%s is owned by another user", id),
		Kind:    ErrUnauthorized,
	}
}

// mapRepoError translates persistence failures into service kinds, keeping
// the original error reachable.
func mapRepoError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case persistence.IsFlowNotFound(err), persistence.IsTemplateNotFound(err):
		return &ServiceError{Op: op, Code: "not_found", Kind: ErrNotFound, Err: err}
	case persistence.IsFlowAlreadyExists(err):
		return &ServiceError{Op: op, Code: "conflict", Kind: ErrConflict, Err: err}
	case persistence.IsStoreUnavailable(err), errors.Is(err, lock.ErrNotAcquired):
		return &ServiceError{Op: op, Code: "store_unavailable", Kind: ErrStoreUnavailable, Err: err}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

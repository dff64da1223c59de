// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrFlowNotFound indicates a flow was not found by the given identifier.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrFlowAlreadyExists indicates a flow with the same identifier already exists.
	ErrFlowAlreadyExists = errors.New("flow already exists")

	// ErrTemplateNotFound indicates a template was not found by the given identifier.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrStoreUnavailable indicates the underlying storage failed or could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// FlowError wraps flow-related errors with additional context.
type FlowError struct {
	Op     string // Operation being performed (e.g., "Get", "Insert", "DeleteOne")
	FlowID string // Flow ID if applicable
	Err    error  // Underlying error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s operation failed for flow %s: %v", e.Op, e.FlowID, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for flow errors.
func (e *FlowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewFlowError creates a new flow error with context.
func NewFlowError(op, flowID string, err error) *FlowError {
	return &FlowError{
		Op:     op,
		FlowID: flowID,
		Err:    err,
	}
}

// TemplateError wraps template-related errors with additional context.
type TemplateError struct {
	Op         string
	TemplateID string
	Err        error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("%s operation failed for template %s: %v", e.Op, e.TemplateID, e.Err)
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

func (e *TemplateError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewTemplateError creates a new template error with context.
func NewTemplateError(op, templateID string, err error) *TemplateError {
	return &TemplateError{
		Op:         op,
		TemplateID: templateID,
		Err:        err,
	}
}

// StoreError wraps an I/O or driver failure. It always matches
// ErrStoreUnavailable and keeps the driver error reachable through Unwrap.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStoreUnavailable, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable || errors.Is(e.Err, target)
}

// NewStoreError creates a new store error.
func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}

// IsFlowNotFound checks if an error indicates a flow was not found.
func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

// IsFlowAlreadyExists checks if an error indicates a duplicate flow id.
func IsFlowAlreadyExists(err error) bool {
	return errors.Is(err, ErrFlowAlreadyExists)
}

// IsTemplateNotFound checks if an error indicates a template was not found.
func IsTemplateNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound)
}

// IsStoreUnavailable checks if an error came from a storage failure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

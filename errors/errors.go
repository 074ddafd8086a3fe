// Package errors provides custom error types for the marketsync engine.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeDispatchFailure   ErrorCode = "DISPATCH_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeUnknownConflict   ErrorCode = "UNKNOWN_CONFLICT"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeInternalFailure   ErrorCode = "INTERNAL_FAILURE"
)

// Operation represents the engine operation during which an error occurred
type Operation string

const (
	OpSynchronize Operation = "synchronize"
	OpValidate    Operation = "validate"
	OpTransform   Operation = "transform"
	OpDetect      Operation = "detect"
	OpResolve     Operation = "resolve"
	OpDispatch    Operation = "dispatch"
	OpArchive     Operation = "archive"
	OpClose       Operation = "close"
)

// SyncError represents an error that occurred during a synchronization operation
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "validator", "gateway")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context (entity id, target system, field name)
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Component: "validator",
		Err:       cause,
		Retryable: false,
	}
}

// NewDispatchError creates a new gateway dispatch SyncError.
// Dispatch failures are contained to a single target and are retryable
// from the caller's point of view (a later Synchronize may succeed).
func NewDispatchError(target string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeDispatchFailure,
		Op:        OpDispatch,
		Component: "gateway",
		Err:       cause,
		Retryable: true,
		Metadata:  map[string]interface{}{"target_system": target},
	}
}

// NewConflictError creates a new conflict-resolution SyncError
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictFailure,
		Op:        op,
		Component: "resolver",
		Err:       cause,
		Retryable: false,
	}
}

// NewUnknownConflictError reports a conflict id that is not in the pending index
func NewUnknownConflictError(conflictID string) *SyncError {
	return &SyncError{
		Code:      ErrCodeUnknownConflict,
		Op:        OpResolve,
		Component: "resolver",
		Err:       fmt.Errorf("conflict %s is not pending", conflictID),
		Retryable: false,
		Metadata:  map[string]interface{}{"conflict_id": conflictID},
	}
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "archive",
		Err:       cause,
		Retryable: true,
	}
}

// NewInternalError wraps an unexpected orchestration failure
func NewInternalError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeInternalFailure,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// CodeOf returns the error code of a SyncError, or "" for other errors
func CodeOf(err error) ErrorCode {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code
	}
	return ""
}

// Package engine provides the core types and components of the PlanForge
// rollout engine: the Plan Manager, the Execution Orchestrator, and the
// Verification & Rollback Controller.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassValidation indicates bad caller input.
	// Never retried; surfaced to the caller immediately.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry. Examples: network timeouts, connection resets, 5xx responses.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassDeviceRejected indicates the device itself refused the
	// operation (auth, permission, config conflict). Not retried.
	ErrorClassDeviceRejected ErrorClass = "device_rejected"

	// ErrorClassApproval indicates an approval token problem.
	// Surfaced verbatim, never retried.
	ErrorClassApproval ErrorClass = "approval"

	// ErrorClassStateConflict indicates an invalid state transition or a
	// concurrent job on the same plan. Callers must not retry blindly.
	ErrorClassStateConflict ErrorClass = "state_conflict"

	// ErrorClassVerification indicates a post-change state mismatch.
	ErrorClassVerification ErrorClass = "verification"

	// ErrorClassRollback indicates a failed compensating rollback.
	// Requires manual intervention.
	ErrorClassRollback ErrorClass = "rollback"

	// ErrorClassInternal indicates an unexpected engine-side failure.
	ErrorClassInternal ErrorClass = "internal"
)

// Error is a classified engine error with context.
type Error struct {
	// Class is the error classification for retry and recovery logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is a stable code for programmatic handling.
	Code string `json:"code,omitempty"`

	// PlanID is the plan involved, if applicable.
	PlanID string `json:"plan_id,omitempty"`

	// DeviceID is the device involved, if applicable.
	DeviceID string `json:"device_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.DeviceID != "" {
		msg += fmt.Sprintf(" (device=%s)", e.DeviceID)
	} else if e.PlanID != "" {
		msg += fmt.Sprintf(" (plan=%s)", e.PlanID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewDeviceRejectedError creates an error for a device-side rejection.
func NewDeviceRejectedError(message string, err error) *Error {
	return &Error{Class: ErrorClassDeviceRejected, Message: message, Err: err}
}

// NewApprovalError creates an approval token error with the given code.
func NewApprovalError(code, message string) *Error {
	return &Error{Class: ErrorClassApproval, Message: message, Code: code}
}

// NewStateConflictError creates a state conflict error.
func NewStateConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassStateConflict, Message: message, Err: err}
}

// NewVerificationError creates a verification failure error.
func NewVerificationError(message string, err error) *Error {
	return &Error{Class: ErrorClassVerification, Message: message, Err: err}
}

// NewRollbackError creates a rollback failure error.
func NewRollbackError(message string, err error) *Error {
	return &Error{Class: ErrorClassRollback, Message: message, Err: err}
}

// NewInternalError creates an internal engine error.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassInternal, Message: message, Err: err}
}

// WithCode adds a stable error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithPlan adds plan context.
func (e *Error) WithPlan(planID string) *Error {
	e.PlanID = planID
	return e
}

// WithDevice adds device context.
func (e *Error) WithDevice(deviceID string) *Error {
	e.DeviceID = deviceID
	return e
}

// WithOperation adds operation context.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// ClassOf returns the classification of err, or ErrorClassInternal for
// unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassInternal
}

// CodeOf returns the stable code of err, or empty for unclassified errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return ClassOf(err) == ErrorClassTransient
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool {
	return ClassOf(err) == ErrorClassValidation
}

// IsApproval returns true if the error is an approval token error.
func IsApproval(err error) bool {
	return ClassOf(err) == ErrorClassApproval
}

// IsStateConflict returns true if the error is a state conflict.
func IsStateConflict(err error) bool {
	return ClassOf(err) == ErrorClassStateConflict
}

// IsRetryable returns true if the error may succeed on retry.
// Only transient failures are retryable; everything else propagates.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Stable error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeBatchTooLarge     = "BATCH_TOO_LARGE"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeAlreadyRunning    = "ALREADY_RUNNING"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeUnreachable       = "UNREACHABLE"
	ErrCodeDeviceRejected    = "DEVICE_REJECTED"
	ErrCodeApprovalRequired  = "APPROVAL_REQUIRED"
	ErrCodeApprovalNotFound  = "APPROVAL_NOT_FOUND"
	ErrCodeApprovalExpired   = "APPROVAL_EXPIRED"
	ErrCodeApprovalMismatch  = "APPROVAL_PLAN_MISMATCH"
	ErrCodeApprovalReused    = "APPROVAL_ALREADY_USED"
	ErrCodeVerifyMismatch    = "VERIFICATION_FAILED"
	ErrCodeHealthCheck       = "HEALTH_CHECK_FAILED"
	ErrCodeRollbackFailed    = "ROLLBACK_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

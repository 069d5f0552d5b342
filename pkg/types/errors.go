package types

import (
	"errors"
	"fmt"
	"time"
)

// CoordError is the error type shared across coordination components.
type CoordError struct {
	Code    ErrorCode
	Message string
	Ref     string // task, workflow or envelope the error is about
	Cause   error
}

// ErrorCode classifies a coordination error.
type ErrorCode string

const (
	// ErrCodeQueueFull indicates emergency shedding rejected a submission.
	ErrCodeQueueFull ErrorCode = "QUEUE_FULL"
	// ErrCodeSlotUnavailable indicates no slot can host the request right now.
	ErrCodeSlotUnavailable ErrorCode = "SLOT_UNAVAILABLE"
	// ErrCodeDeliveryFailure indicates an envelope could not be delivered.
	ErrCodeDeliveryFailure ErrorCode = "MESSAGE_DELIVERY_FAILURE"
	// ErrCodeStepTimeout indicates a workflow step response missed its deadline.
	ErrCodeStepTimeout ErrorCode = "WORKFLOW_STEP_TIMEOUT"
	// ErrCodeStepRejected indicates a step response violated its contract.
	ErrCodeStepRejected ErrorCode = "WORKFLOW_STEP_REJECTED"
	// ErrCodeResourceExhaustion indicates capacity ran out beyond transient waits.
	ErrCodeResourceExhaustion ErrorCode = "RESOURCE_EXHAUSTION"
	// ErrCodeIntegrityViolation indicates corrupted or mismatched coordination state.
	ErrCodeIntegrityViolation ErrorCode = "INTEGRITY_VIOLATION"
)

// Error implements the error interface.
func (e *CoordError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *CoordError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error is transient and worth a local
// retry. Everything else goes through the recovery coordinator.
func (e *CoordError) Retryable() bool {
	switch e.Code {
	case ErrCodeSlotUnavailable, ErrCodeDeliveryFailure, ErrCodeStepTimeout:
		return true
	}
	return false
}

// Escalates reports whether the error must always reach the recovery
// coordinator, regardless of retry budget.
func (e *CoordError) Escalates() bool {
	return e.Code == ErrCodeResourceExhaustion || e.Code == ErrCodeIntegrityViolation
}

// NewCoordError creates a CoordError with an arbitrary code.
func NewCoordError(code ErrorCode, message string, cause error) *CoordError {
	return &CoordError{Code: code, Message: message, Cause: cause}
}

// NewQueueFullError creates the rejection returned to a shed submission.
func NewQueueFullError(taskID string, depth int) *CoordError {
	return &CoordError{
		Code:    ErrCodeQueueFull,
		Message: fmt.Sprintf("queue depth %d exceeded overflow threshold", depth),
		Ref:     taskID,
	}
}

// NewSlotUnavailableError creates the transient no-capacity error.
func NewSlotUnavailableError(req ResourceRequirement) *CoordError {
	return &CoordError{
		Code:    ErrCodeSlotUnavailable,
		Message: fmt.Sprintf("no idle slot fits cpu=%.1f mem=%dMB", req.CPU, req.MemoryMB),
	}
}

// NewDeliveryError creates a delivery failure for an envelope.
func NewDeliveryError(envelopeID, message string, cause error) *CoordError {
	return &CoordError{
		Code:    ErrCodeDeliveryFailure,
		Message: message,
		Ref:     envelopeID,
		Cause:   cause,
	}
}

// NewStepTimeoutError creates a timeout for a workflow step.
func NewStepTimeoutError(workflowID, stepName string, timeout time.Duration) *CoordError {
	return &CoordError{
		Code:    ErrCodeStepTimeout,
		Message: fmt.Sprintf("step %s timed out after %v", stepName, timeout),
		Ref:     workflowID,
	}
}

// NewStepRejectedError creates a contract violation for a workflow step.
func NewStepRejectedError(workflowID, stepName, reason string) *CoordError {
	return &CoordError{
		Code:    ErrCodeStepRejected,
		Message: fmt.Sprintf("step %s rejected: %s", stepName, reason),
		Ref:     workflowID,
	}
}

// NewResourceExhaustionError creates an exhaustion error.
func NewResourceExhaustionError(message string) *CoordError {
	return &CoordError{Code: ErrCodeResourceExhaustion, Message: message}
}

// NewIntegrityViolationError creates an integrity violation.
func NewIntegrityViolationError(message string, cause error) *CoordError {
	return &CoordError{Code: ErrCodeIntegrityViolation, Message: message, Cause: cause}
}

// HasCode checks whether err (or anything it wraps) is a CoordError with
// the given code.
func HasCode(err error, code ErrorCode) bool {
	var ce *CoordError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsQueueFull checks for a shedding rejection.
func IsQueueFull(err error) bool { return HasCode(err, ErrCodeQueueFull) }

// IsSlotUnavailable checks for the transient no-capacity error.
func IsSlotUnavailable(err error) bool { return HasCode(err, ErrCodeSlotUnavailable) }

// IsDeliveryFailure checks for an envelope delivery failure.
func IsDeliveryFailure(err error) bool { return HasCode(err, ErrCodeDeliveryFailure) }

// IsStepTimeout checks for a workflow step timeout.
func IsStepTimeout(err error) bool { return HasCode(err, ErrCodeStepTimeout) }

// IsStepRejected checks for a workflow step contract violation.
func IsStepRejected(err error) bool { return HasCode(err, ErrCodeStepRejected) }

// IsIntegrityViolation checks for corrupted coordination state.
func IsIntegrityViolation(err error) bool { return HasCode(err, ErrCodeIntegrityViolation) }

package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestration core.
type ErrorCode string

// Workflow error codes
const (
	ErrValidation    ErrorCode = "VALIDATION"
	ErrStepExecution ErrorCode = "STEP_EXECUTION"
	ErrTimeout       ErrorCode = "TIMEOUT"
	ErrWorkflowFatal ErrorCode = "WORKFLOW_FATAL"
)

// Handoff error codes
const (
	ErrChecksumMismatch ErrorCode = "CHECKSUM_MISMATCH"
	ErrHandoffRejected  ErrorCode = "HANDOFF_REJECTED"
	ErrCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	ErrDeadLettered     ErrorCode = "DEAD_LETTERED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	AgentID   string    `json:"agent_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithAgent tags the error with the agent it originated from.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// WithStep tags the error with the step it originated from.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable checks if an error is retryable. Checksum mismatches are
// never retryable regardless of how the error was constructed.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Code == ErrChecksumMismatch {
		return false
	}
	return e.Retryable
}

package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestration core.
type ErrorCode string

// Engine error codes
const (
	ErrInvalidTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrWorkflowNotFound  ErrorCode = "WORKFLOW_NOT_FOUND"
	ErrWorkflowTerminal  ErrorCode = "WORKFLOW_TERMINAL"
)

// Gate error codes
const (
	ErrAgentNotRegistered ErrorCode = "AGENT_NOT_REGISTERED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrAgentUnavailable   ErrorCode = "AGENT_UNAVAILABLE"
	ErrAgentFailed        ErrorCode = "AGENT_FAILED"
)

// Scheduler error codes
const (
	ErrValidator      ErrorCode = "VALIDATOR_ERROR"
	ErrCriticalBudget ErrorCode = "CRITICAL_BUDGET_EXCEEDED"
	ErrGraphInvalid   ErrorCode = "GRAPH_INVALID"
)

// Checkpoint error codes
const (
	ErrCorruptCheckpoint ErrorCode = "CORRUPT_CHECKPOINT"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrPartialCheckpoint ErrorCode = "PARTIAL_CHECKPOINT"
	ErrSchemaVersion     ErrorCode = "SCHEMA_VERSION_UNSUPPORTED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Agent     string    `json:"agent,omitempty"`
	Validator string    `json:"validator,omitempty"`
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

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
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

// WithAgent sets the downstream agent id.
func (e *Error) WithAgent(agentID string) *Error {
	e.Agent = agentID
	return e
}

// WithValidator sets the validator name.
func (e *Error) WithValidator(name string) *Error {
	e.Validator = name
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err or any error in its cause chain carries the
// given error code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

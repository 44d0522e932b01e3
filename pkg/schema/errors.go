package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeNodeExecution     = "NODE_EXECUTION_ERROR"
	ErrCodeDispatch          = "DISPATCH_ERROR"
	ErrCodeAlreadyTerminal   = "ALREADY_TERMINAL"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeNoEnabledNodes    = "NO_ENABLED_NODES"
	ErrCodeUnknownNodeType   = "UNKNOWN_NODE_TYPE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
)

// NodeflowError is the structured error type for all nodeflow operations.
type NodeflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *NodeflowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *NodeflowError) Unwrap() error {
	return e.Cause
}

// Is matches another *NodeflowError by code, so errors.Is(err, NewError(code, "")) works.
func (e *NodeflowError) Is(target error) bool {
	t, ok := target.(*NodeflowError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new NodeflowError.
func NewError(code, message string) *NodeflowError {
	return &NodeflowError{Code: code, Message: message}
}

// NewErrorf creates a new NodeflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *NodeflowError {
	return &NodeflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *NodeflowError) WithNode(nodeID string) *NodeflowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *NodeflowError) WithCause(err error) *NodeflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *NodeflowError) WithDetails(details map[string]any) *NodeflowError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a NodeflowError with the given code.
func IsCode(err error, code string) bool {
	var ne *NodeflowError
	if !errors.As(err, &ne) {
		return false
	}
	return ne.Code == code
}

// CodeOf returns the code of the outermost NodeflowError in err's chain, or "".
func CodeOf(err error) string {
	var ne *NodeflowError
	if errors.As(err, &ne) {
		return ne.Code
	}
	return ""
}

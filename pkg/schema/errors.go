package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeAlreadyCancelled   = "ALREADY_CANCELLED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeNonRetryable       = "NON_RETRYABLE"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeResolution         = "RESOLUTION_ERROR"
	ErrCodeGuardrailViolation = "GUARDRAIL_VIOLATION"
	ErrCodeUnreachableNode    = "UNREACHABLE_NODE"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
)

// FlowError is the structured error type for all mailflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code indicates a transient failure.
// Validation, not-found, conflict, transition, permission, and breaker errors
// are permanent; execution, timeout, and store errors are worth retrying.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidTransition,
		ErrCodeNonRetryable, ErrCodePermissionDenied, ErrCodeCircuitOpen,
		ErrCodeCancelled, ErrCodeAlreadyCancelled, ErrCodeGuardrailViolation,
		ErrCodeUnreachableNode, ErrCodeResolution:
		return false
	default:
		return true
	}
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

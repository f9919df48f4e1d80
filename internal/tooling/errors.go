package tooling

import "fmt"

// ErrorKind is the Tool Invocation Engine's error taxonomy, grounded on the
// teacher's agent.ToolErrorType classification but narrowed to spec.md §4.3's
// exact set.
type ErrorKind string

const (
	ErrorInvalidArgs        ErrorKind = "invalid_args"
	ErrorTimeout            ErrorKind = "timeout"
	ErrorCancelled          ErrorKind = "cancelled"
	ErrorIntegrationDisabled ErrorKind = "integration_disabled"
	ErrorRateLimited        ErrorKind = "rate_limited"
	ErrorInternal           ErrorKind = "internal"
)

// ToolError is the structured failure a tool invocation surfaces to the
// driver — never a Go panic or a raw error escaping the engine.
type ToolError struct {
	Kind     ErrorKind
	Message  string
	Detail   map[string]any
	Disabled bool
	Reason   string
}

// Error implements the error interface, grounded on agent.ToolError.Error's
// bracketed-kind formatting.
func (e *ToolError) Error() string {
	if e == nil {
		return "<nil tool error>"
	}
	return fmt.Sprintf("[tool:%s] %s", e.Kind, e.Message)
}

// NewInvalidArgsError wraps a schema validation failure.
func NewInvalidArgsError(detail string) *ToolError {
	return &ToolError{Kind: ErrorInvalidArgs, Message: "invalid arguments: " + detail}
}

// NewTimeoutError reports a tool that exceeded its deadline.
func NewTimeoutError() *ToolError {
	return &ToolError{Kind: ErrorTimeout, Message: "tool execution timed out"}
}

// NewCancelledError reports a tool aborted by turn cancellation (barge-in,
// hangup, or reconnect).
func NewCancelledError() *ToolError {
	return &ToolError{Kind: ErrorCancelled, Message: "tool execution cancelled"}
}

// NewIntegrationDisabledError reports a tool whose backing integration lacks
// credentials or is otherwise administratively off. Never fatal.
func NewIntegrationDisabledError(reason string) *ToolError {
	return &ToolError{
		Kind:     ErrorIntegrationDisabled,
		Message:  "integration disabled",
		Disabled: true,
		Reason:   reason,
	}
}

// NewRateLimitedError reports an upstream rate limit.
func NewRateLimitedError(message string) *ToolError {
	return &ToolError{Kind: ErrorRateLimited, Message: message}
}

// NewInternalError wraps an unexpected tool-side failure.
func NewInternalError(cause error) *ToolError {
	msg := "internal tool error"
	if cause != nil {
		msg = cause.Error()
	}
	return &ToolError{Kind: ErrorInternal, Message: msg}
}

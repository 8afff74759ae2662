package errors

import (
	"context"
	"errors"
	"fmt"
)

// Error codes surfaced to callers and logs
const (
	CodeRouteNotFound         = "ROUTE_NOT_FOUND"
	CodeNoStartNode           = "NO_START_NODE"
	CodeNodeNotFound          = "NODE_NOT_FOUND"
	CodeCodec                 = "CODEC_ERROR"
	CodeExpressionType        = "EXPRESSION_TYPE_ERROR"
	CodeExpressionEval        = "EXPRESSION_EVAL_ERROR"
	CodePlaceholderUnresolved = "PLACEHOLDER_UNRESOLVED"
	CodeMissingSQLConfig      = "MISSING_SQL_CONFIG"
	CodeRemoteInvoke          = "REMOTE_INVOKE_ERROR"
	CodeDepthExceeded         = "SCHEDULE_DEPTH_EXCEEDED"
	CodeInvalidConfig         = "INVALID_CONFIG"
)

var (
	// ErrRouteNotFound indicates that no enabled workflow is bound to the route
	ErrRouteNotFound = &Error{Code: CodeRouteNotFound, Message: "route not found"}

	// ErrNoStartNode indicates that a workflow or branch has no node to run
	ErrNoStartNode = &Error{Code: CodeNoStartNode, Message: "no start node"}

	// ErrNodeNotFound indicates that a referenced node does not exist
	ErrNodeNotFound = &Error{Code: CodeNodeNotFound, Message: "node not found"}

	// ErrCodec indicates a malformed inbound or outbound body
	ErrCodec = &Error{Code: CodeCodec, Message: "codec error"}

	// ErrExpressionType indicates that an expression returned a value of the wrong shape
	ErrExpressionType = &Error{Code: CodeExpressionType, Message: "expression returned unexpected type"}

	// ErrExpressionEval indicates that an expression failed to compile or run
	ErrExpressionEval = &Error{Code: CodeExpressionEval, Message: "expression evaluation failed"}

	// ErrPlaceholderUnresolved indicates a SQL template placeholder with no value
	ErrPlaceholderUnresolved = &Error{Code: CodePlaceholderUnresolved, Message: "unresolved placeholder"}

	// ErrMissingSQLConfig indicates a SQL node without a usable template or datasource
	ErrMissingSQLConfig = &Error{Code: CodeMissingSQLConfig, Message: "missing sql config"}

	// ErrRemoteInvoke indicates a downstream HTTP, SOAP or SQL failure
	ErrRemoteInvoke = &Error{Code: CodeRemoteInvoke, Message: "remote invocation failed"}

	// ErrScheduleDepthExceeded indicates a node chain deeper than the configured limit
	ErrScheduleDepthExceeded = &Error{Code: CodeDepthExceeded, Message: "schedule depth exceeded"}

	// ErrInvalidConfig indicates invalid node or process configuration
	ErrInvalidConfig = &Error{Code: CodeInvalidConfig, Message: "invalid configuration"}

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")
)

// Error represents a structured gateway error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any error carrying the same code, so errors.Is(err, ErrCodec)
// holds for every codec error regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new gateway error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewRouteNotFound reports a route with no enabled workflow
func NewRouteNotFound(route string) *Error {
	return NewError(CodeRouteNotFound, fmt.Sprintf("no workflow for route %q", route), nil)
}

// NewNodeNotFound reports a missing node id
func NewNodeNotFound(id int64) *Error {
	return NewError(CodeNodeNotFound, fmt.Sprintf("node %d not found", id), nil)
}

// NewCodecError wraps a decode or encode failure
func NewCodecError(message string, err error) *Error {
	return NewError(CodeCodec, message, err)
}

// NewExpressionTypeError reports an expression result of the wrong shape
func NewExpressionTypeError(expr string, got any) *Error {
	return NewError(CodeExpressionType, fmt.Sprintf("expression %q returned %T", expr, got), nil)
}

// NewExpressionEvalError wraps an expression runtime failure
func NewExpressionEvalError(expr string, err error) *Error {
	return NewError(CodeExpressionEval, fmt.Sprintf("expression %q failed", expr), err)
}

// NewPlaceholderUnresolved lists the placeholders left without a value
func NewPlaceholderUnresolved(names []string) *Error {
	return NewError(CodePlaceholderUnresolved, fmt.Sprintf("unresolved placeholders %v", names), nil)
}

// NewMissingSQLConfig reports an unusable SQL node meta
func NewMissingSQLConfig(message string, err error) *Error {
	return NewError(CodeMissingSQLConfig, message, err)
}

// NewRemoteInvokeError wraps a downstream failure
func NewRemoteInvokeError(message string, err error) *Error {
	return NewError(CodeRemoteInvoke, message, err)
}

// NewInvalidConfig reports invalid configuration
func NewInvalidConfig(message string, err error) *Error {
	return NewError(CodeInvalidConfig, message, err)
}

// CodeOf returns the code of the outermost gateway error in the chain
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsRouteNotFound checks if an error is a route lookup failure
func IsRouteNotFound(err error) bool {
	return errors.Is(err, ErrRouteNotFound)
}

// IsRemoteInvoke checks if an error is a downstream failure
func IsRemoteInvoke(err error) bool {
	return errors.Is(err, ErrRemoteInvoke)
}

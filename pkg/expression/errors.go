package expression

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// ErrorType categorizes expression failures
type ErrorType string

const (
	ErrorTypeSyntax  ErrorType = "syntax_error"
	ErrorTypeRuntime ErrorType = "runtime_error"
	ErrorTypeTimeout ErrorType = "timeout_error"
)

// JSError is a structured JavaScript failure
type JSError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Line    int       `json:"line,omitempty"`
	Column  int       `json:"column,omitempty"`
}

// Error implements the error interface
func (e *JSError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Type, e.Message)
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
		if e.Column > 0 {
			fmt.Fprintf(&b, ", column %d", e.Column)
		}
	}
	return b.String()
}

// positions look like "at <eval>:3:14(5)" or "expr: Line 1:5 Unexpected token"
var positionPattern = regexp.MustCompile(`(?:Line |:)(\d+):(\d+)`)

func newTimeoutError(timeout time.Duration) *JSError {
	return &JSError{Type: ErrorTypeTimeout, Message: fmt.Sprintf("execution exceeded %s", timeout)}
}

// parseError converts a goja failure into a JSError
func parseError(err error) *JSError {
	jsErr := &JSError{Type: ErrorTypeRuntime, Message: err.Error()}

	var exc *goja.Exception
	var syntax *goja.CompilerSyntaxError
	switch {
	case errors.As(err, &syntax):
		jsErr.Type = ErrorTypeSyntax
	case errors.As(err, &exc):
		if v := exc.Value(); v != nil {
			jsErr.Message = v.String()
		}
	}

	if m := positionPattern.FindStringSubmatch(err.Error()); m != nil {
		jsErr.Line, _ = strconv.Atoi(m[1])
		jsErr.Column, _ = strconv.Atoi(m[2])
	}
	if strings.Contains(strings.ToLower(jsErr.Message), "syntaxerror") {
		jsErr.Type = ErrorTypeSyntax
	}
	return jsErr
}

package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for Helmsman errors.
type ErrorCode string

// LLM structural error codes. These cover every failure mode of turning an
// LLM response into a typed value: empty responses, responses without a
// recoverable payload, payloads that do not parse, and retry exhaustion.
const (
	LLM_EMPTY_RESPONSE     ErrorCode = "LLM_EMPTY_RESPONSE"
	LLM_NO_PAYLOAD         ErrorCode = "LLM_NO_PAYLOAD"
	LLM_PARSE_FAILED       ErrorCode = "LLM_PARSE_FAILED"
	LLM_ATTEMPTS_EXHAUSTED ErrorCode = "LLM_ATTEMPTS_EXHAUSTED"
	LLM_CALL_FAILED        ErrorCode = "LLM_CALL_FAILED"
)

// State error codes for internal invariant violations.
const (
	STATE_INVALID_CONTEXT ErrorCode = "STATE_INVALID_CONTEXT"
	STATE_NOT_INITIALIZED ErrorCode = "STATE_NOT_INITIALIZED"
)

// Execution error codes.
const (
	EXEC_PLAN_INVALID     ErrorCode = "EXEC_PLAN_INVALID"
	EXEC_OPERATION_FAILED ErrorCode = "EXEC_OPERATION_FAILED"
	EXEC_UNKNOWN_OP       ErrorCode = "EXEC_UNKNOWN_OP"
	EXEC_DEADLOCK         ErrorCode = "EXEC_DEADLOCK"
)

// Graph store and indexing error codes.
const (
	GRAPH_INVALID_CONFIG    ErrorCode = "GRAPH_INVALID_CONFIG"
	GRAPH_CONNECTION_FAILED ErrorCode = "GRAPH_CONNECTION_FAILED"
	GRAPH_NOT_INITIALIZED   ErrorCode = "GRAPH_NOT_INITIALIZED"
	GRAPH_QUERY_FAILED      ErrorCode = "GRAPH_QUERY_FAILED"
	GRAPH_UPSERT_FAILED     ErrorCode = "GRAPH_UPSERT_FAILED"
	GRAPH_DELETE_FAILED     ErrorCode = "GRAPH_DELETE_FAILED"
	INDEX_FAILED            ErrorCode = "INDEX_FAILED"
)

// Prompt schema and dictionary error codes. A missing dictionary category
// is deliberately not an error: it surfaces as a build-time warning and as
// validation violations on every token of that category.
const (
	SCHEMA_PARSE_FAILED      ErrorCode = "SCHEMA_PARSE_FAILED"
	SCHEMA_VALIDATION_FAILED ErrorCode = "SCHEMA_VALIDATION_FAILED"
	CACHE_UNAVAILABLE        ErrorCode = "CACHE_UNAVAILABLE"
)

// Handbook error codes.
const (
	HANDBOOK_LOAD_FAILED  ErrorCode = "HANDBOOK_LOAD_FAILED"
	HANDBOOK_PARSE_FAILED ErrorCode = "HANDBOOK_PARSE_FAILED"
)

// HelmsmanError represents a structured error with error code, message, and
// optional cause. It supports error wrapping and retryability hints for
// error handling logic.
type HelmsmanError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface, returning a formatted error message.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *HelmsmanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
func (e *HelmsmanError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error by error code.
func (e *HelmsmanError) Is(target error) bool {
	var he *HelmsmanError
	if errors.As(target, &he) {
		return e.Code == he.Code
	}
	return false
}

// NewError creates a new non-retryable HelmsmanError with the given code and message.
func NewError(code ErrorCode, message string) *HelmsmanError {
	return &HelmsmanError{
		Code:    code,
		Message: message,
	}
}

// NewRetryableError creates a new retryable HelmsmanError with the given code
// and message. Use this for transient errors that may succeed on retry.
func NewRetryableError(code ErrorCode, message string) *HelmsmanError {
	return &HelmsmanError{
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// WrapError creates a new non-retryable HelmsmanError that wraps an existing
// error. The wrapped error is accessible via Unwrap() for chain inspection.
func WrapError(code ErrorCode, message string, cause error) *HelmsmanError {
	return &HelmsmanError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapRetryableError creates a retryable HelmsmanError that wraps an
// existing error, preserving the cause chain for transient failures such as
// network errors.
func WrapRetryableError(code ErrorCode, message string, cause error) *HelmsmanError {
	return &HelmsmanError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// CodeOf extracts the ErrorCode from err if it (or anything it wraps) is a
// HelmsmanError. Returns an empty code otherwise.
func CodeOf(err error) ErrorCode {
	var he *HelmsmanError
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

// IsRetryable reports whether err carries a retryable hint.
func IsRetryable(err error) bool {
	var he *HelmsmanError
	if errors.As(err, &he) {
		return he.Retryable
	}
	return false
}

package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the whole system. Kinds are stable
// wire values: they appear in run_error events, tool-call records and API
// responses, so renames are breaking changes.
type ErrorKind string

const (
	// Session
	ErrKindNotFound      ErrorKind = "not_found"
	ErrKindAlreadyExists ErrorKind = "already_exists"
	ErrKindInvalidState  ErrorKind = "invalid_state"
	ErrKindExpired       ErrorKind = "expired"

	// Message / tool
	ErrKindMessageTooLong  ErrorKind = "message_too_long"
	ErrKindToolNotFound    ErrorKind = "tool_not_found"
	ErrKindInvalidToolArgs ErrorKind = "invalid_tool_args"
	ErrKindToolFailed      ErrorKind = "tool_execution_failed"
	ErrKindToolTimeout     ErrorKind = "tool_timeout"

	// Approval
	ErrKindApprovalRequired ErrorKind = "approval_required"
	ErrKindApprovalTimeout  ErrorKind = "approval_timeout"
	ErrKindApprovalRejected ErrorKind = "approval_rejected"

	// Hooks / sandbox
	ErrKindRejectedByHook  ErrorKind = "rejected_by_hook"
	ErrKindSandboxRejected ErrorKind = "sandbox_rejected"

	// LLM
	ErrKindLLMUnavailable ErrorKind = "llm_unavailable"
	ErrKindLLMTimeout     ErrorKind = "llm_timeout"
	ErrKindRateLimited    ErrorKind = "rate_limited"
	ErrKindTokenLimit     ErrorKind = "token_limit"

	// Run lifecycle
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindCancelled ErrorKind = "cancelled"
	ErrKindMaxTurns  ErrorKind = "max_turns"

	// MCP
	ErrKindMCPConnection ErrorKind = "mcp_connection"
	ErrKindMCPTool       ErrorKind = "mcp_tool"
	ErrKindMCPTimeout    ErrorKind = "mcp_timeout"

	// Stream
	ErrKindStreamOverflow ErrorKind = "stream_overflow"

	// Generic
	ErrKindValidation ErrorKind = "validation"
	ErrKindInternal   ErrorKind = "internal"
	ErrKindDatabase   ErrorKind = "database"
	ErrKindCache      ErrorKind = "cache"
)

// Error is the classified error carried across package boundaries. Callers
// branch on Kind, never on message text.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	cause   error
}

// NewError builds a classified error with a printf-style message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error, preserving it for errors.Is/As.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetail attaches a structured detail field and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the kind from any error in the chain, defaulting to
// internal for unclassified errors and "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// DetailsOf returns the structured details from a classified error, or nil.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

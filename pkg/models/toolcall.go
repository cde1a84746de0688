package models

import (
	"fmt"
	"time"
)

// ToolCallStatus is the state of one tool invocation.
// completed, failed and cancelled are terminal.
type ToolCallStatus string

const (
	ToolCallPending          ToolCallStatus = "pending"
	ToolCallAwaitingApproval ToolCallStatus = "awaiting_approval"
	ToolCallApproved         ToolCallStatus = "approved"
	ToolCallRejected         ToolCallStatus = "rejected"
	ToolCallExecuting        ToolCallStatus = "executing"
	ToolCallCompleted        ToolCallStatus = "completed"
	ToolCallFailed           ToolCallStatus = "failed"
	ToolCallCancelled        ToolCallStatus = "cancelled"
)

// Terminal reports whether no further status transitions are allowed.
func (s ToolCallStatus) Terminal() bool {
	switch s {
	case ToolCallCompleted, ToolCallFailed, ToolCallCancelled, ToolCallRejected:
		return true
	}
	return false
}

// validToolCallTransitions encodes the tool-call state machine.
var validToolCallTransitions = map[ToolCallStatus][]ToolCallStatus{
	ToolCallPending:          {ToolCallAwaitingApproval, ToolCallApproved, ToolCallRejected, ToolCallExecuting, ToolCallCancelled},
	ToolCallAwaitingApproval: {ToolCallApproved, ToolCallRejected, ToolCallCancelled},
	ToolCallApproved:         {ToolCallExecuting, ToolCallCancelled},
	ToolCallExecuting:        {ToolCallCompleted, ToolCallFailed, ToolCallCancelled},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to ToolCallStatus) bool {
	for _, next := range validToolCallTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ToolSource identifies where a tool is dispatched.
// Builtin tools use "builtin"; MCP tools use "mcp:<server>".
type ToolSource string

const ToolSourceBuiltin ToolSource = "builtin"

// MCPSource returns the source tag for a tool served by an MCP server.
func MCPSource(server string) ToolSource {
	return ToolSource(fmt.Sprintf("mcp:%s", server))
}

// ToolCall is one tool invocation owned by an assistant message.
// Each call owns exactly one result.
type ToolCall struct {
	ID          string         `json:"id"`
	MessageID   string         `json:"message_id"`
	SessionID   string         `json:"session_id"`
	Name        string         `json:"name"`
	Arguments   map[string]any `json:"arguments"`
	Status      ToolCallStatus `json:"status"`
	Result      string         `json:"result,omitempty"`
	ErrorKind   ErrorKind      `json:"error_kind,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	Source      ToolSource     `json:"source"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Clone returns a deep copy.
func (tc *ToolCall) Clone() *ToolCall {
	c := *tc
	if tc.Arguments != nil {
		c.Arguments = make(map[string]any, len(tc.Arguments))
		for k, v := range tc.Arguments {
			c.Arguments[k] = v
		}
	}
	return &c
}

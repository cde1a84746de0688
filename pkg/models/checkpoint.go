package models

import (
	"encoding/json"
	"time"
)

// Checkpoint is an immutable restorable snapshot of a session prefix.
type Checkpoint struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	// MessageCount is the length of the message list at capture time.
	// Restoration truncates the session to this prefix.
	MessageCount int `json:"message_count"`

	// ToolCalls snapshots the tool-call graph for the captured prefix.
	ToolCalls []*ToolCall `json:"tool_calls,omitempty"`

	// State is the shared-state document at capture time.
	State        json.RawMessage `json:"state,omitempty"`
	StateVersion int64           `json:"state_version"`

	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

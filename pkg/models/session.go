// Package models defines the session/message/tool-call graph and the shared
// error taxonomy. Entities are arena-style: relations are id fields, never
// owning pointers, so the store can copy and snapshot them freely.
package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a conversation.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionActive    SessionStatus = "active"
	SessionSuspended SessionStatus = "suspended"
	SessionEnded     SessionStatus = "ended" // terminal — no transitions out
)

// ApprovalMode controls whether the approval hook gates configured tools.
type ApprovalMode string

const (
	ApprovalModeAuto   ApprovalMode = "auto"
	ApprovalModeManual ApprovalMode = "manual"
)

// ExecutionMode is the turn execution strategy chosen by the router.
type ExecutionMode string

const (
	ModeChat     ExecutionMode = "chat"
	ModeWorkflow ExecutionMode = "workflow"
	ModeHybrid   ExecutionMode = "hybrid"
)

// SessionConfig holds per-session knobs. Zero values fall back to the
// process-wide defaults at run time.
type SessionConfig struct {
	ApprovalMode   ApprovalMode  `json:"approval_mode,omitempty"`
	MaxTurns       int           `json:"max_turns,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	TokenLimit     int           `json:"token_limit,omitempty"`
	DefaultMode    ExecutionMode `json:"default_mode,omitempty"`
	ModeOverride   ExecutionMode `json:"mode_override,omitempty"` // user-locked; empty = none
	SystemPrompt   string        `json:"system_prompt,omitempty"`
	AllowedTools   []string      `json:"allowed_tools,omitempty"` // empty = all registered
	CheckpointEach bool          `json:"checkpoint_each,omitempty"`
}

// Session is one logical conversation with append-only history.
type Session struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Status    SessionStatus `json:"status"`
	AgentID   string        `json:"agent_id,omitempty"`
	Config    SessionConfig `json:"config"`
	Revision  int64         `json:"revision"` // bumped on every mutation
	ForkedOf  string        `json:"forked_of,omitempty"`
	LastMode  ExecutionMode `json:"last_mode,omitempty"` // dominant class for router fallback
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CanAppend reports whether the session accepts new messages.
func (s *Session) CanAppend() bool {
	return s.Status != SessionEnded
}

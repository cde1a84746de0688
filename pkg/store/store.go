// Package store persists the session graph (sessions, messages, tool calls,
// approvals, checkpoints, shared state). Two backends: an in-memory store
// used by default and by tests, and a PostgreSQL store on pgx.
//
// Contract highlights:
//   - AppendMessage persists the message and its tool calls atomically.
//   - ResolveApproval updates the approval and its tool call atomically.
//   - SaveState is compare-and-swap on (session_id, version).
//   - Messages are append-only; truncation happens only via Fork or
//     TruncateMessages (checkpoint restore).
package store

import (
	"context"
	"encoding/json"

	"github.com/agentloom/loom/pkg/models"
)

// SessionStore owns the session/message/tool-call graph.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	EndSession(ctx context.Context, id string) error

	// AppendMessage atomically appends one message and its tool calls.
	// Assigns msg.Seq. Fails with invalid_state on an ended session.
	AppendMessage(ctx context.Context, msg *models.Message, calls []*models.ToolCall) error

	// GetHistory returns messages in ascending Seq order starting after
	// cursor, up to limit (0 = no limit), plus the next cursor. Stable
	// under concurrent appends.
	GetHistory(ctx context.Context, sessionID string, cursor, limit int) ([]*models.Message, int, error)

	MessageCount(ctx context.Context, sessionID string) (int, error)

	GetToolCall(ctx context.Context, id string) (*models.ToolCall, error)
	GetToolCalls(ctx context.Context, sessionID string) ([]*models.ToolCall, error)

	// UpdateToolCall applies a status transition (validated against the
	// tool-call state machine) along with result/error fields.
	UpdateToolCall(ctx context.Context, tc *models.ToolCall) error

	// Fork deep-copies the source session's messages and tool calls into a
	// new session; subsequent appends to either side are independent.
	Fork(ctx context.Context, sessionID, label string) (*models.Session, error)

	// TruncateMessages discards the suffix beyond count messages.
	// Used only by checkpoint restore.
	TruncateMessages(ctx context.Context, sessionID string, count int) error
}

// ApprovalStore persists approvals. Approvals outlive their tool calls.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *models.Approval) error
	GetApproval(ctx context.Context, id string) (*models.Approval, error)

	// PendingForToolCall returns the pending approval for a tool call, if any.
	PendingForToolCall(ctx context.Context, toolCallID string) (*models.Approval, error)

	// ResolveApproval atomically persists the approval's terminal state and
	// the linked tool call's status.
	ResolveApproval(ctx context.Context, a *models.Approval, tc *models.ToolCall) error
}

// CheckpointStore persists immutable session snapshots.
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]*models.Checkpoint, error)
}

// StateStore persists shared-state documents with CAS semantics.
type StateStore interface {
	// SaveState succeeds only when the stored version equals expectVersion
	// (CAS); on success the stored version becomes version.
	SaveState(ctx context.Context, sessionID string, value json.RawMessage, expectVersion, version int64) error
	LoadState(ctx context.Context, sessionID string) (json.RawMessage, int64, error)
}

// Store bundles all persistence interfaces.
type Store interface {
	SessionStore
	ApprovalStore
	CheckpointStore
	StateStore
}

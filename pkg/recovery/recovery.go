// Package recovery captures and restores session checkpoints: a message
// prefix, the tool-call graph, and the shared-state document at a point in
// time. Restore truncates the session back to that prefix and reinstalls the
// captured state.
package recovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentloom/loom/pkg/bus"
	"github.com/agentloom/loom/pkg/models"
	"github.com/agentloom/loom/pkg/statesync"
	"github.com/agentloom/loom/pkg/store"
)

// RunChecker reports whether a session has a run in flight. Restore is
// refused for busy sessions.
type RunChecker interface {
	Busy(sessionID string) bool
}

// Manager creates and restores checkpoints.
type Manager struct {
	st     store.Store
	state  *statesync.Manager
	runs   RunChecker // nil disables the in-flight guard
	logger *slog.Logger
}

// NewManager creates a checkpoint manager.
func NewManager(st store.Store, state *statesync.Manager, runs RunChecker, logger *slog.Logger) *Manager {
	return &Manager{
		st:     st,
		state:  state,
		runs:   runs,
		logger: logger.With("component", "recovery"),
	}
}

// CreateCheckpoint snapshots the session's current message prefix, tool-call
// graph, and shared state. When run is non-nil a checkpoint_created frame is
// published.
func (m *Manager) CreateCheckpoint(ctx context.Context, sessionID, label string, run *bus.Run) (*models.Checkpoint, error) {
	if _, err := m.st.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	count, err := m.st.MessageCount(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	calls, err := m.st.GetToolCalls(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	value, version := m.state.Document(sessionID).Snapshot()
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, models.WrapError(models.ErrKindInternal, err, "encoding shared state for checkpoint")
	}

	cp := &models.Checkpoint{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		MessageCount: count,
		ToolCalls:    calls,
		State:        raw,
		StateVersion: version,
		Label:        label,
		CreatedAt:    time.Now(),
	}
	if err := m.st.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}

	if run != nil {
		run.Publish(bus.CheckpointCreated(cp.ID, cp.MessageCount, false))
	}
	m.logger.Info("Checkpoint created",
		"session_id", sessionID, "checkpoint_id", cp.ID, "message_count", count)
	return cp, nil
}

// Restore truncates the session to the checkpoint's message prefix and
// replaces the shared-state document. Refused while the session has a run in
// flight. When run is non-nil the restore publishes checkpoint_created with
// restored=true followed by a fresh state_snapshot.
func (m *Manager) Restore(ctx context.Context, sessionID, checkpointID string, run *bus.Run) (*models.Checkpoint, error) {
	if m.runs != nil && m.runs.Busy(sessionID) {
		return nil, models.NewError(models.ErrKindInvalidState,
			"session %s has a run in flight; restore refused", sessionID)
	}

	cp, err := m.st.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.SessionID != sessionID {
		return nil, models.NewError(models.ErrKindValidation,
			"checkpoint %s belongs to session %s", checkpointID, cp.SessionID)
	}

	if err := m.st.TruncateMessages(ctx, sessionID, cp.MessageCount); err != nil {
		return nil, err
	}

	// Reinstate the captured tool-call rows that survived truncation. Calls
	// attached to discarded messages are gone and stay gone.
	for _, tc := range cp.ToolCalls {
		if _, err := m.st.GetToolCall(ctx, tc.ID); err != nil {
			continue
		}
		if err := m.st.UpdateToolCall(ctx, tc); err != nil {
			m.logger.Warn("Skipping tool call during restore",
				"tool_call_id", tc.ID, "error", err)
		}
	}

	var value map[string]any
	if len(cp.State) > 0 {
		if err := json.Unmarshal(cp.State, &value); err != nil {
			return nil, models.WrapError(models.ErrKindInternal, err,
				"decoding checkpoint state %s", checkpointID)
		}
	}
	m.state.Replace(sessionID, value, cp.StateVersion)

	_, curVersion, err := m.st.LoadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.st.SaveState(ctx, sessionID, cp.State, curVersion, cp.StateVersion); err != nil {
		return nil, err
	}

	if run != nil {
		run.Publish(bus.CheckpointCreated(cp.ID, cp.MessageCount, true))
		m.state.PublishSnapshot(sessionID, run)
	}
	m.logger.Info("Checkpoint restored",
		"session_id", sessionID, "checkpoint_id", cp.ID, "message_count", cp.MessageCount)
	return cp, nil
}

// List returns the session's checkpoints.
func (m *Manager) List(ctx context.Context, sessionID string) ([]*models.Checkpoint, error) {
	return m.st.ListCheckpoints(ctx, sessionID)
}

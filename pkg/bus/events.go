// Package bus provides the per-run, in-process event fan-out that produces
// the wire-level client stream. Every event carries a run-scoped monotone
// sequence number; subscribers observe events in sequence order with no gaps
// or are dropped after a single stream_overflow notification.
package bus

import (
	"time"

	"github.com/agentloom/loom/pkg/models"
)

// Type tags an event frame.
type Type string

const (
	TypeRunStarted  Type = "run_started"
	TypeRunFinished Type = "run_finished"
	TypeRunError    Type = "run_error"

	TypeTextMessageStart   Type = "text_message_start"
	TypeTextMessageContent Type = "text_message_content"
	TypeTextMessageEnd     Type = "text_message_end"

	TypeToolCallStart Type = "tool_call_start"
	TypeToolCallArgs  Type = "tool_call_args"
	TypeToolCallEnd   Type = "tool_call_end"

	TypeStateSnapshot Type = "state_snapshot"
	TypeStateDelta    Type = "state_delta"

	TypeCustom Type = "custom"
)

// Named inner events carried by custom frames.
const (
	CustomApprovalRequired     = "approval_required"
	CustomModeDetected         = "mode_detected"
	CustomTokenUpdate          = "token_update"
	CustomCheckpointCreated    = "checkpoint_created"
	CustomWorkflowState        = "workflow_state"
	CustomHeartbeat            = "heartbeat"
	CustomStepProgress         = "step_progress"
	CustomUIComponent          = "ui_component"
	CustomPredictionConfirmed  = "prediction_confirmed"
	CustomPredictionRolledBack = "prediction_rolled_back"
	CustomPredictionConflicted = "prediction_conflicted"
)

// Payload is one typed event body. The bus wraps it in an Event envelope
// and flattens both into a single JSON frame at the transport boundary.
type Payload interface {
	EventType() Type
}

// Event is the envelope delivered to in-process subscribers.
type Event struct {
	Type      Type      `json:"type"`
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"-"`
}

// --- Run lifecycle ---

// RunStarted opens a run's event sequence.
type RunStarted struct {
	Mode string `json:"mode,omitempty"`
}

func (RunStarted) EventType() Type { return TypeRunStarted }

// RunFinished closes a successful run.
type RunFinished struct{}

func (RunFinished) EventType() Type { return TypeRunFinished }

// RunError is the single terminal frame of a failed run.
type RunError struct {
	Kind    models.ErrorKind `json:"kind"`
	Message string           `json:"message"`
	Details map[string]any   `json:"details,omitempty"`
}

func (RunError) EventType() Type { return TypeRunError }

// --- Assistant text streaming ---

// TextMessageStart allocates a message id for the streamed assistant text.
type TextMessageStart struct {
	MessageID string      `json:"message_id"`
	Role      models.Role `json:"role"`
}

func (TextMessageStart) EventType() Type { return TypeTextMessageStart }

// TextMessageContent carries one text delta.
type TextMessageContent struct {
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
}

func (TextMessageContent) EventType() Type { return TypeTextMessageContent }

// TextMessageEnd closes a streamed assistant message.
type TextMessageEnd struct {
	MessageID string `json:"message_id"`
}

func (TextMessageEnd) EventType() Type { return TypeTextMessageEnd }

// --- Tool call streaming ---

// ToolCallStart announces a tool_use block.
type ToolCallStart struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	MessageID  string `json:"message_id,omitempty"`
}

func (ToolCallStart) EventType() Type { return TypeToolCallStart }

// ToolCallArgs carries an incremental argument fragment.
type ToolCallArgs struct {
	ToolCallID string `json:"tool_call_id"`
	ArgsDelta  string `json:"args_delta"`
}

func (ToolCallArgs) EventType() Type { return TypeToolCallArgs }

// ToolCallEnd carries the call's terminal status, and its result or error.
// Emitted exactly once per tool_call_start, with the call's outcome.
type ToolCallEnd struct {
	ToolCallID string                `json:"tool_call_id"`
	Status     models.ToolCallStatus `json:"status"`
	Result     string                `json:"result,omitempty"`
	Error      *RunError             `json:"error,omitempty"`
}

func (ToolCallEnd) EventType() Type { return TypeToolCallEnd }

// --- Shared state ---

// DeltaOp is one JSON-Patch-shaped mutation of the shared-state tree.
type DeltaOp struct {
	Path  string `json:"path"`
	Op    string `json:"op"` // add, replace, remove, move
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"` // move only
}

// StateSnapshot carries the full shared-state value. Late subscribers
// always receive one before any StateDelta.
type StateSnapshot struct {
	Value   any   `json:"value"`
	Version int64 `json:"version"`
}

func (StateSnapshot) EventType() Type { return TypeStateSnapshot }

// StateDelta carries an ordered op list moving base_version → version.
type StateDelta struct {
	Ops         []DeltaOp `json:"ops"`
	Version     int64     `json:"version"`
	BaseVersion int64     `json:"base_version"`
}

func (StateDelta) EventType() Type { return TypeStateDelta }

// --- Custom ---

// Custom wraps a named inner event.
type Custom struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

func (Custom) EventType() Type { return TypeCustom }

// ApprovalRequired builds the custom frame emitted at approval request time.
func ApprovalRequired(approvalID, toolCallID string, risk models.RiskLevel, rationale string, expiresAt time.Time) Custom {
	return Custom{Name: CustomApprovalRequired, Data: map[string]any{
		"approval_id":  approvalID,
		"tool_call_id": toolCallID,
		"risk":         string(risk),
		"rationale":    rationale,
		"expires_at":   expiresAt.Format(time.RFC3339Nano),
	}}
}

// ModeDetected reports the router's classification for a turn.
func ModeDetected(mode models.ExecutionMode, confidence float64, reason string) Custom {
	return Custom{Name: CustomModeDetected, Data: map[string]any{
		"mode":       string(mode),
		"confidence": confidence,
		"reason":     reason,
	}}
}

// TokenUpdate reports cumulative token usage after each loop iteration.
func TokenUpdate(input, output, total int) Custom {
	return Custom{Name: CustomTokenUpdate, Data: map[string]any{
		"input_tokens":  input,
		"output_tokens": output,
		"total_tokens":  total,
	}}
}

// CheckpointCreated reports a new or restored checkpoint.
func CheckpointCreated(checkpointID string, messageCount int, restored bool) Custom {
	return Custom{Name: CustomCheckpointCreated, Data: map[string]any{
		"checkpoint_id": checkpointID,
		"message_count": messageCount,
		"restored":      restored,
	}}
}

// StepProgress reports workflow step advancement.
func StepProgress(step, total int, name string) Custom {
	return Custom{Name: CustomStepProgress, Data: map[string]any{
		"step":  step,
		"total": total,
		"name":  name,
	}}
}

// WorkflowState reports the workflow runner's current phase.
func WorkflowState(state string, detail map[string]any) Custom {
	data := map[string]any{"state": state}
	for k, v := range detail {
		data[k] = v
	}
	return Custom{Name: CustomWorkflowState, Data: data}
}

// Heartbeat keeps the stream alive while a run is quiet.
func Heartbeat(count int, elapsed time.Duration, status string) Custom {
	return Custom{Name: CustomHeartbeat, Data: map[string]any{
		"count":           count,
		"elapsed_seconds": elapsed.Seconds(),
		"status":          status,
	}}
}

// PredictionConflicted marks one client diff that lost conflict resolution.
func PredictionConflicted(path string, clientValue, serverValue any) Custom {
	return Custom{Name: CustomPredictionConflicted, Data: map[string]any{
		"path":         path,
		"client_value": clientValue,
		"server_value": serverValue,
	}}
}

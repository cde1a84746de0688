package hooks

import (
	"context"
	"log/slog"

	"github.com/agentloom/loom/pkg/models"
	"github.com/agentloom/loom/pkg/redact"
)

// Audit records every tool call and result with sensitive-key redaction.
// It never rejects; logging failures are swallowed.
type Audit struct {
	logger   *slog.Logger
	redactor *redact.Redactor
}

// NewAudit builds the audit hook.
func NewAudit(logger *slog.Logger, redactor *redact.Redactor) *Audit {
	return &Audit{logger: logger.With("component", "audit"), redactor: redactor}
}

func (a *Audit) Kind() string  { return "audit" }
func (a *Audit) Priority() int { return 100 }

func (a *Audit) OnToolCall(ctx context.Context, call *CallContext) Result {
	a.logger.InfoContext(ctx, "tool call",
		"session_id", call.Call.SessionID,
		"tool_call_id", call.Call.ID,
		"tool", call.Call.Name,
		"source", call.Call.Source,
		"arguments", a.redactor.Map(call.Call.Arguments),
	)
	return Allow()
}

func (a *Audit) OnToolResult(ctx context.Context, call *CallContext, execErr error) {
	attrs := []any{
		"session_id", call.Call.SessionID,
		"tool_call_id", call.Call.ID,
		"tool", call.Call.Name,
		"status", call.Call.Status,
	}
	if execErr != nil {
		attrs = append(attrs, "error_kind", models.KindOf(execErr), "error", execErr.Error())
		a.logger.WarnContext(ctx, "tool result", attrs...)
		return
	}
	a.logger.InfoContext(ctx, "tool result", attrs...)
}

func (a *Audit) OnQueryStart(ctx context.Context, session *models.Session, msg *models.Message) Result {
	a.logger.InfoContext(ctx, "query start", "session_id", session.ID, "message_id", msg.ID)
	return Allow()
}

func (a *Audit) OnQueryEnd(ctx context.Context, session *models.Session) {
	a.logger.InfoContext(ctx, "query end", "session_id", session.ID)
}

func (a *Audit) OnSessionStart(ctx context.Context, session *models.Session) {
	a.logger.InfoContext(ctx, "session start", "session_id", session.ID)
}

func (a *Audit) OnSessionEnd(ctx context.Context, session *models.Session) {
	a.logger.InfoContext(ctx, "session end", "session_id", session.ID)
}

func (a *Audit) OnError(ctx context.Context, session *models.Session, err error) {
	a.logger.ErrorContext(ctx, "run error",
		"session_id", session.ID, "error_kind", models.KindOf(err), "error", err.Error())
}

var (
	_ ResultObserver  = (*Audit)(nil)
	_ QueryObserver   = (*Audit)(nil)
	_ SessionObserver = (*Audit)(nil)
	_ ErrorObserver   = (*Audit)(nil)
)

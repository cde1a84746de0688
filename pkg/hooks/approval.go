package hooks

import (
	"context"
	"fmt"

	"github.com/agentloom/loom/pkg/approval"
	"github.com/agentloom/loom/pkg/config"
	"github.com/agentloom/loom/pkg/models"
)

// riskByTool is the default risk classification for gated builtins.
var riskByTool = map[string]struct {
	level models.RiskLevel
	score float64
}{
	"write_file": {models.RiskMedium, 0.5},
	"edit_file":  {models.RiskMedium, 0.5},
	"multi_edit": {models.RiskHigh, 0.7},
	"exec":       {models.RiskCritical, 0.9},
}

// ApprovalGate pauses gated tool calls until a human resolves them. In auto
// mode the gate short-circuits to ALLOW.
type ApprovalGate struct {
	manager *approval.Manager
	gated   map[string]bool
	mode    models.ApprovalMode
}

// NewApprovalGate builds the hook from configuration.
func NewApprovalGate(mgr *approval.Manager, cfg *config.ApprovalConfig) *ApprovalGate {
	gated := make(map[string]bool, len(cfg.GatedTools))
	for _, name := range cfg.GatedTools {
		gated[name] = true
	}
	return &ApprovalGate{
		manager: mgr,
		gated:   gated,
		mode:    models.ApprovalMode(cfg.Mode),
	}
}

func (g *ApprovalGate) Kind() string  { return "approval" }
func (g *ApprovalGate) Priority() int { return 90 }

// effectiveMode prefers the session's approval mode over the global default.
func (g *ApprovalGate) effectiveMode(session *models.Session) models.ApprovalMode {
	if session != nil && session.Config.ApprovalMode != "" {
		return session.Config.ApprovalMode
	}
	return g.mode
}

func (g *ApprovalGate) OnToolCall(ctx context.Context, call *CallContext) Result {
	if !g.gated[call.Call.Name] {
		return Allow()
	}
	if g.effectiveMode(call.Session) == models.ApprovalModeAuto {
		return Allow()
	}

	risk, ok := riskByTool[call.Call.Name]
	if !ok {
		risk.level = models.RiskHigh
		risk.score = 0.7
	}
	rationale := fmt.Sprintf("tool %q requires manual approval", call.Call.Name)

	a, err := g.manager.Request(ctx, call.Run, call.Call, risk.level, risk.score, rationale)
	if err != nil {
		return Reject(models.ErrKindInternal, fmt.Sprintf("requesting approval: %v", err))
	}

	out, err := g.manager.Await(ctx, a.ID)
	if err != nil {
		if models.IsKind(err, models.ErrKindCancelled) {
			return Reject(models.ErrKindCancelled, "run cancelled while awaiting approval")
		}
		return Reject(models.ErrKindInternal, fmt.Sprintf("awaiting approval: %v", err))
	}

	switch out.Status {
	case models.ApprovalApproved:
		return Allow()
	case models.ApprovalRejected:
		reason := out.Comment
		if reason == "" {
			reason = "approval rejected"
		}
		return Reject(models.ErrKindApprovalRejected, reason)
	default:
		return Reject(models.ErrKindApprovalTimeout,
			fmt.Sprintf("approval %s expired before resolution", a.ID))
	}
}

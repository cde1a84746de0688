// Package orchestrator turns a classified user message into a run: the chat
// path is a single loop call, the workflow path is a planned step machine
// that calls back into the loop per step, and the hybrid path starts as chat
// with mid-turn promotion to workflow. Whichever path executes, messages and
// tool calls land in the same session history.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentloom/loom/pkg/agent"
	"github.com/agentloom/loom/pkg/bus"
	"github.com/agentloom/loom/pkg/llm"
	"github.com/agentloom/loom/pkg/metrics"
	"github.com/agentloom/loom/pkg/models"
	"github.com/agentloom/loom/pkg/recovery"
	"github.com/agentloom/loom/pkg/router"
	"github.com/agentloom/loom/pkg/statesync"
	"github.com/agentloom/loom/pkg/store"
	"github.com/agentloom/loom/pkg/tools"
)

// Orchestrator owns path selection and the run lifecycle for workflow and
// hybrid runs.
type Orchestrator struct {
	router   *router.Router
	loop     *agent.Loop
	llm      llm.Client
	st       store.Store
	state    *statesync.Manager
	recovery *recovery.Manager // optional
	registry *tools.Registry
	metrics  *metrics.Metrics // optional
	logger   *slog.Logger
}

// New wires the orchestrator. recovery and m may be nil.
func New(rt *router.Router, loop *agent.Loop, client llm.Client, st store.Store,
	state *statesync.Manager, rec *recovery.Manager, registry *tools.Registry,
	m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		router:   rt,
		loop:     loop,
		llm:      client,
		st:       st,
		state:    state,
		recovery: rec,
		registry: registry,
		metrics:  m,
		logger:   logger.With("component", "orchestrator"),
	}
}

// TurnResult reports a completed turn.
type TurnResult struct {
	Mode   models.ExecutionMode
	Intent *router.Intent
	Result *agent.Result
}

// ExecuteTurn appends the user message, classifies it, and drives the chosen
// path to completion. turnMode, when non-empty, overrides mode selection for
// this turn only and is never written back to the session. The fatal error,
// if any, has already been published as run_error on the stream.
func (o *Orchestrator) ExecuteTurn(ctx context.Context, session *models.Session, text string, turnMode models.ExecutionMode, run *bus.Run) (*TurnResult, error) {
	userMsg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	}
	if err := o.st.AppendMessage(ctx, userMsg, nil); err != nil {
		return nil, err
	}

	intent := o.router.Classify(ctx, session, text)
	mode := o.selectMode(session, turnMode, intent, run)
	o.noteMode(ctx, session, mode)

	started := time.Now()
	if o.metrics != nil {
		o.metrics.RunStarted(string(mode))
	}

	var (
		res *agent.Result
		err error
	)
	switch mode {
	case models.ModeWorkflow:
		res, err = o.runWorkflow(ctx, session, userMsg, text, run)
	case models.ModeHybrid:
		res, err = o.runHybrid(ctx, session, userMsg, text, run)
	default:
		res, err = o.loop.Execute(ctx, &agent.Params{
			Session:     session,
			UserMessage: userMsg,
			Run:         run,
			Mode:        models.ModeChat,
			OwnsRun:     true,
		})
	}

	if o.metrics != nil {
		o.metrics.RunFinished(string(mode), outcome(err), time.Since(started))
	}
	if err != nil {
		return nil, err
	}
	return &TurnResult{Mode: mode, Intent: intent, Result: res}, nil
}

// selectMode applies the override → confident intent → session default
// ladder. The low-confidence branch announces the fallback on the stream.
func (o *Orchestrator) selectMode(session *models.Session, turnMode models.ExecutionMode, intent *router.Intent, run *bus.Run) models.ExecutionMode {
	if turnMode != "" {
		return turnMode
	}
	if session.Config.ModeOverride != "" {
		return session.Config.ModeOverride
	}
	if intent.Confidence >= router.ConfidenceThreshold {
		return intent.Mode
	}

	mode := session.Config.DefaultMode
	if mode == "" {
		mode = models.ModeChat
	}
	run.Publish(bus.ModeDetected(mode, intent.Confidence, intent.Reason))
	return mode
}

// noteMode records the executed mode for the router's prior-class fallback.
func (o *Orchestrator) noteMode(ctx context.Context, session *models.Session, mode models.ExecutionMode) {
	session.LastMode = mode
	if session.Status == models.SessionCreated {
		session.Status = models.SessionActive
	}
	if err := o.st.UpdateSession(ctx, session); err != nil {
		o.logger.Warn("Failed to record session mode", "session_id", session.ID, "error", err)
	}
}

// runHybrid executes the chat path first, then promotes to workflow when the
// assistant's first response shows a workflow-exclusive capability.
func (o *Orchestrator) runHybrid(ctx context.Context, session *models.Session, userMsg *models.Message, text string, run *bus.Run) (*agent.Result, error) {
	run.Publish(bus.RunStarted{Mode: string(models.ModeHybrid)})

	res, err := o.loop.Execute(ctx, &agent.Params{
		Session:     session,
		UserMessage: userMsg,
		Run:         run,
		Mode:        models.ModeHybrid,
		OwnsRun:     false,
	})
	if err != nil {
		o.failRun(run, err)
		return nil, err
	}

	caps := router.WorkflowCapabilities(res.Text)
	if len(caps) == 0 {
		run.Publish(bus.RunFinished{})
		return res, nil
	}

	run.Publish(bus.ModeDetected(models.ModeWorkflow, 1,
		"promoted mid-turn: response requires workflow execution"))
	o.logger.Info("Hybrid run promoted to workflow",
		"session_id", session.ID, "capabilities", caps)

	steps := o.plan(ctx, text)
	stepRes, err := o.runSteps(ctx, session, userMsg, run, steps)
	if err != nil {
		o.failRun(run, err)
		return nil, err
	}

	merged := &agent.Result{
		Text:  stepRes.Text,
		Turns: res.Turns + stepRes.Turns,
		Usage: llm.Usage{
			InputTokens:  res.Usage.InputTokens + stepRes.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens + stepRes.Usage.OutputTokens,
		},
	}
	run.Publish(bus.RunFinished{})
	return merged, nil
}

// failRun publishes the terminal run_error frame for orchestrator-owned runs.
func (o *Orchestrator) failRun(run *bus.Run, err error) {
	run.Publish(bus.RunError{
		Kind:    models.KindOf(err),
		Message: err.Error(),
		Details: models.DetailsOf(err),
	})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "finished"
	case models.IsKind(err, models.ErrKindCancelled):
		return "cancelled"
	default:
		return "error"
	}
}

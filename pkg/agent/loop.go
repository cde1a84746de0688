// Package agent drives one user turn to completion: the LLM↔tool cycle with
// hook gating, per-tool timeouts, token accounting, cooperative
// cancellation, and the event sub-sequence the stream protocol requires.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentloom/loom/pkg/bus"
	"github.com/agentloom/loom/pkg/config"
	"github.com/agentloom/loom/pkg/hooks"
	"github.com/agentloom/loom/pkg/llm"
	"github.com/agentloom/loom/pkg/metrics"
	"github.com/agentloom/loom/pkg/models"
	"github.com/agentloom/loom/pkg/store"
	"github.com/agentloom/loom/pkg/tools"
)

const fallbackMaxTurns = 10

// Loop is the run state machine. One Loop serves the whole process; every
// Execute call is an independent run.
type Loop struct {
	llm      llm.Client
	store    store.SessionStore
	registry *tools.Registry
	chain    *hooks.Chain
	defaults *config.Defaults
	metrics  *metrics.Metrics // optional
	logger   *slog.Logger
}

// New wires the loop. metrics may be nil.
func New(client llm.Client, st store.SessionStore, registry *tools.Registry, chain *hooks.Chain, defaults *config.Defaults, m *metrics.Metrics, logger *slog.Logger) *Loop {
	return &Loop{
		llm:      client,
		store:    st,
		registry: registry,
		chain:    chain,
		defaults: defaults,
		metrics:  m,
		logger:   logger.With("component", "agent"),
	}
}

// Params describes one Execute call. The user message must already be
// appended to the session.
type Params struct {
	Session     *models.Session
	UserMessage *models.Message
	Run         *bus.Run
	Mode        models.ExecutionMode

	// SystemPrompt overrides the session/default prompt (workflow steps).
	SystemPrompt string
	// ToolNames restricts the advertised tool set; empty falls back to the
	// session's allowed tools, then to everything registered.
	ToolNames []string
	MaxTokens int

	// OwnsRun controls whether this call emits the run boundary frames
	// (run_started, run_finished, run_error). The workflow runner owns
	// those across steps and sets it false.
	OwnsRun bool
}

// Result summarizes a completed run.
type Result struct {
	Text  string
	Turns int
	Usage llm.Usage
}

// Execute drives the turn until the model stops requesting tools or a fatal
// condition ends the run. Tool failures are non-fatal: they surface to the
// model as error tool results. The returned error is the fatal run error,
// already published as run_error when this call owns the run.
func (l *Loop) Execute(ctx context.Context, p *Params) (*Result, error) {
	session := p.Session
	run := p.Run

	if res := l.chain.OnQueryStart(ctx, session, p.UserMessage); res.Decision == hooks.DecisionReject {
		err := models.NewError(models.ErrKindRejectedByHook, "query rejected: %s", res.Reason)
		l.fail(ctx, p, err)
		return nil, err
	}

	if p.OwnsRun {
		run.Publish(bus.RunStarted{Mode: string(p.Mode)})
	}

	convo, err := l.transcript(ctx, session.ID)
	if err != nil {
		wrapped := models.WrapError(models.ErrKindDatabase, err, "loading history for session %s", session.ID)
		l.fail(ctx, p, wrapped)
		return nil, wrapped
	}

	specs := l.toolSpecs(p)
	maxTurns := l.maxTurns(session)
	tokenLimit := l.tokenLimit(session)
	systemPrompt := l.systemPrompt(p)

	var usage llm.Usage
	result := &Result{}

	for turn := 1; ; turn++ {
		result.Turns = turn

		if err := runInterrupted(ctx); err != nil {
			l.fail(ctx, p, err)
			return nil, err
		}

		out, err := l.streamTurn(ctx, run, &llm.Request{
			System:    systemPrompt,
			Messages:  convo,
			Tools:     specs,
			MaxTokens: p.MaxTokens,
		})
		if err != nil {
			fatal := classifyLLMError(err)
			l.fail(ctx, p, fatal)
			return nil, fatal
		}

		assistantMsg, calls := l.assistantRecords(session.ID, out)
		if err := l.store.AppendMessage(ctx, assistantMsg, calls); err != nil {
			wrapped := models.WrapError(models.ErrKindDatabase, err, "appending assistant message")
			l.fail(ctx, p, wrapped)
			return nil, wrapped
		}
		convo = append(convo, llm.Message{Role: llm.RoleAssistant, Content: out.text, ToolUses: out.uses})

		if len(out.uses) == 0 {
			result.Text = out.text
			usage.InputTokens += out.usage.InputTokens
			usage.OutputTokens += out.usage.OutputTokens
			result.Usage = usage
			l.chain.OnQueryEnd(ctx, session)
			if p.OwnsRun {
				run.Publish(bus.RunFinished{})
			}
			return result, nil
		}

		if turn > maxTurns {
			err := models.NewError(models.ErrKindMaxTurns, "run exceeded %d turns", maxTurns)
			// Close out the tool calls the final response streamed so every
			// tool_call_start is balanced by a tool_call_end.
			l.cancelCalls(ctx, run, calls)
			l.fail(ctx, p, err)
			return nil, err
		}

		results, fatalErr := l.executeCalls(ctx, p, calls)
		if fatalErr != nil {
			l.fail(ctx, p, fatalErr)
			return nil, fatalErr
		}
		convo = append(convo, llm.Message{Role: llm.RoleUser, ToolResults: results})

		usage.InputTokens += out.usage.InputTokens
		usage.OutputTokens += out.usage.OutputTokens
		run.Publish(bus.TokenUpdate(usage.InputTokens, usage.OutputTokens, usage.InputTokens+usage.OutputTokens))
		if l.metrics != nil {
			l.metrics.TokensAdded(out.usage.InputTokens, out.usage.OutputTokens)
		}
		if tokenLimit > 0 && usage.InputTokens+usage.OutputTokens >= tokenLimit {
			err := models.NewError(models.ErrKindTokenLimit, "run consumed %d tokens (limit %d)",
				usage.InputTokens+usage.OutputTokens, tokenLimit)
			l.fail(ctx, p, err)
			return nil, err
		}
	}
}

// executeCalls runs one response's tool blocks sequentially, in response
// order. Rejections and tool failures produce error tool results and the
// loop continues; a cancelled or expired run context is fatal.
func (l *Loop) executeCalls(ctx context.Context, p *Params, calls []*models.ToolCall) ([]llm.ToolResult, error) {
	run := p.Run
	results := make([]llm.ToolResult, 0, len(calls))

	for i, tc := range calls {
		if err := runInterrupted(ctx); err != nil {
			l.cancelCalls(ctx, run, calls[i:])
			return nil, err
		}

		cc := &hooks.CallContext{Session: p.Session, Call: tc, Run: run}
		res := l.chain.OnToolCall(ctx, cc)
		if res.Decision == hooks.DecisionReject {
			detail := "rejected: " + res.Reason
			l.finishCall(ctx, run, tc, models.ToolCallRejected, "", res.Kind, detail)
			if err := l.appendToolMessage(ctx, p.Session.ID, tc.ID, detail); err != nil {
				return nil, err
			}
			results = append(results, llm.ToolResult{ToolUseID: tc.ID, Content: detail, IsError: true})
			l.toolMetric(tc.Name, "rejected", 0)
			continue
		}

		started := time.Now()
		tc.Status = models.ToolCallExecuting
		tc.StartedAt = &started
		if err := l.store.UpdateToolCall(ctx, tc); err != nil {
			return nil, models.WrapError(models.ErrKindDatabase, err, "marking tool call %s executing", tc.ID)
		}

		output, execErr := l.registry.Execute(ctx, tc.Name, tc.Arguments)
		elapsed := time.Since(started)
		l.chain.OnToolResult(ctx, cc, execErr)

		if execErr != nil && ctx.Err() != nil {
			// The run context expired mid-execution; the per-tool result is
			// noise at this point.
			l.cancelCalls(ctx, run, calls[i:])
			return nil, runInterrupted(ctx)
		}

		if execErr != nil {
			kind := models.KindOf(execErr)
			l.finishCall(ctx, run, tc, models.ToolCallFailed, "", kind, execErr.Error())
			if err := l.appendToolMessage(ctx, p.Session.ID, tc.ID, execErr.Error()); err != nil {
				return nil, err
			}
			results = append(results, llm.ToolResult{ToolUseID: tc.ID, Content: execErr.Error(), IsError: true})
			l.toolMetric(tc.Name, "error", elapsed)
			continue
		}

		l.finishCall(ctx, run, tc, models.ToolCallCompleted, output, "", "")
		if err := l.appendToolMessage(ctx, p.Session.ID, tc.ID, output); err != nil {
			return nil, err
		}
		results = append(results, llm.ToolResult{ToolUseID: tc.ID, Content: output})
		l.toolMetric(tc.Name, "success", elapsed)
	}
	return results, nil
}

// turnOutput is one streamed LLM response.
type turnOutput struct {
	messageID string
	text      string
	uses      []llm.ToolUse
	usage     llm.Usage
}

// streamTurn consumes one completion, publishing text and tool-call frames
// as they arrive. The text message closes before the first tool_call_start
// and before this function returns.
func (l *Loop) streamTurn(ctx context.Context, run *bus.Run, req *llm.Request) (*turnOutput, error) {
	chunks, errs := l.llm.StreamChat(ctx, req)

	out := &turnOutput{messageID: uuid.New().String()}
	var text strings.Builder
	textOpen := false
	closeText := func() {
		if textOpen {
			run.Publish(bus.TextMessageEnd{MessageID: out.messageID})
			textOpen = false
		}
	}

	for chunk := range chunks {
		switch chunk.Kind {
		case llm.ChunkTextDelta:
			if !textOpen {
				run.Publish(bus.TextMessageStart{MessageID: out.messageID, Role: models.RoleAssistant})
				textOpen = true
			}
			text.WriteString(chunk.Text)
			run.Publish(bus.TextMessageContent{MessageID: out.messageID, Delta: chunk.Text})

		case llm.ChunkToolUseStart:
			closeText()
			run.Publish(bus.ToolCallStart{ToolCallID: chunk.ToolID, ToolName: chunk.ToolName, MessageID: out.messageID})

		case llm.ChunkToolUseDelta:
			run.Publish(bus.ToolCallArgs{ToolCallID: chunk.ToolID, ArgsDelta: chunk.ArgsDelta})

		case llm.ChunkToolUseStop:
			out.uses = append(out.uses, llm.ToolUse{ID: chunk.ToolID, Name: chunk.ToolName, Args: chunk.Args})

		case llm.ChunkUsage:
			if chunk.Usage != nil {
				out.usage.InputTokens += chunk.Usage.InputTokens
				out.usage.OutputTokens += chunk.Usage.OutputTokens
			}
		}
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	closeText()
	out.text = text.String()
	return out, nil
}

// assistantRecords builds the persisted assistant message and its tool
// calls from one streamed response.
func (l *Loop) assistantRecords(sessionID string, out *turnOutput) (*models.Message, []*models.ToolCall) {
	now := time.Now()
	msg := &models.Message{
		ID:        out.messageID,
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   out.text,
		CreatedAt: now,
	}

	calls := make([]*models.ToolCall, 0, len(out.uses))
	for _, use := range out.uses {
		msg.ToolCallIDs = append(msg.ToolCallIDs, use.ID)

		var args map[string]any
		if err := json.Unmarshal(use.Args, &args); err != nil {
			// Malformed model output; validation fails the call later and
			// the model gets to react.
			l.logger.Warn("tool use carries unparseable arguments", "tool", use.Name, "tool_call_id", use.ID)
			args = map[string]any{}
		}
		source := models.ToolSourceBuiltin
		if s, err := l.registry.Source(use.Name); err == nil {
			source = s
		}
		calls = append(calls, &models.ToolCall{
			ID:        use.ID,
			MessageID: out.messageID,
			SessionID: sessionID,
			Name:      use.Name,
			Arguments: args,
			Status:    models.ToolCallPending,
			Source:    source,
			CreatedAt: now,
		})
	}
	return msg, calls
}

// transcript rebuilds the provider-neutral conversation from the session
// history. Consecutive tool messages fold into one user message carrying
// their tool results.
func (l *Loop) transcript(ctx context.Context, sessionID string) ([]llm.Message, error) {
	history, _, err := l.store.GetHistory(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}

	var convo []llm.Message
	var pendingResults []llm.ToolResult
	flushResults := func() {
		if len(pendingResults) > 0 {
			convo = append(convo, llm.Message{Role: llm.RoleUser, ToolResults: pendingResults})
			pendingResults = nil
		}
	}

	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			flushResults()
			convo = append(convo, llm.Message{Role: llm.RoleUser, Content: msg.Content})

		case models.RoleAssistant:
			flushResults()
			entry := llm.Message{Role: llm.RoleAssistant, Content: msg.Content}
			for _, tcID := range msg.ToolCallIDs {
				tc, err := l.store.GetToolCall(ctx, tcID)
				if err != nil {
					return nil, err
				}
				raw, err := json.Marshal(tc.Arguments)
				if err != nil {
					raw = []byte("{}")
				}
				entry.ToolUses = append(entry.ToolUses, llm.ToolUse{ID: tc.ID, Name: tc.Name, Args: raw})
			}
			convo = append(convo, entry)

		case models.RoleTool:
			isError := false
			if tc, err := l.store.GetToolCall(ctx, msg.ToolCallID); err == nil {
				isError = tc.Status != models.ToolCallCompleted
			}
			pendingResults = append(pendingResults, llm.ToolResult{
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
				IsError:   isError,
			})
		}
		// System messages are carried via the request's system prompt.
	}
	flushResults()
	return convo, nil
}

// finishCall persists the terminal status and publishes the call's single
// tool_call_end frame.
func (l *Loop) finishCall(ctx context.Context, run *bus.Run, tc *models.ToolCall, status models.ToolCallStatus, result string, kind models.ErrorKind, detail string) {
	now := time.Now()
	tc.Status = status
	tc.Result = result
	tc.ErrorKind = kind
	tc.ErrorDetail = detail
	tc.CompletedAt = &now
	if err := l.store.UpdateToolCall(ctx, tc); err != nil {
		l.logger.Warn("persisting tool call outcome failed", "tool_call_id", tc.ID, "error", err)
	}

	end := bus.ToolCallEnd{ToolCallID: tc.ID, Status: status, Result: result}
	if kind != "" {
		end.Error = &bus.RunError{Kind: kind, Message: detail}
	}
	run.Publish(end)
}

// cancelCalls marks the given calls cancelled and closes out their frames.
func (l *Loop) cancelCalls(ctx context.Context, run *bus.Run, calls []*models.ToolCall) {
	for _, tc := range calls {
		if tc.Status.Terminal() {
			continue
		}
		l.finishCall(ctx, run, tc, models.ToolCallCancelled, "", models.ErrKindCancelled, "run cancelled")
	}
}

func (l *Loop) appendToolMessage(ctx context.Context, sessionID, toolCallID, content string) error {
	msg := &models.Message{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		CreatedAt:  time.Now(),
	}
	if err := l.store.AppendMessage(ctx, msg, nil); err != nil {
		return models.WrapError(models.ErrKindDatabase, err, "appending tool result message")
	}
	return nil
}

// fail notifies error observers and, when this call owns the run, publishes
// the single terminal run_error frame.
func (l *Loop) fail(ctx context.Context, p *Params, err error) {
	l.chain.OnError(ctx, p.Session, err)
	if p.OwnsRun {
		p.Run.Publish(bus.RunError{
			Kind:    models.KindOf(err),
			Message: err.Error(),
			Details: models.DetailsOf(err),
		})
	}
}

func (l *Loop) toolSpecs(p *Params) []llm.ToolSpec {
	names := p.ToolNames
	if len(names) == 0 {
		names = p.Session.Config.AllowedTools
	}
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}

	var specs []llm.ToolSpec
	for _, d := range l.registry.List() {
		if len(allowed) > 0 && !allowed[d.Name] {
			continue
		}
		schema := d.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		specs = append(specs, llm.ToolSpec{Name: d.Name, Description: d.Description, Schema: schema})
	}
	return specs
}

func (l *Loop) maxTurns(session *models.Session) int {
	if session.Config.MaxTurns > 0 {
		return session.Config.MaxTurns
	}
	if l.defaults != nil && l.defaults.MaxTurns > 0 {
		return l.defaults.MaxTurns
	}
	return fallbackMaxTurns
}

func (l *Loop) tokenLimit(session *models.Session) int {
	if session.Config.TokenLimit > 0 {
		return session.Config.TokenLimit
	}
	if l.defaults != nil {
		return l.defaults.TokenLimit
	}
	return 0
}

func (l *Loop) systemPrompt(p *Params) string {
	if p.SystemPrompt != "" {
		return p.SystemPrompt
	}
	if p.Session.Config.SystemPrompt != "" {
		return p.Session.Config.SystemPrompt
	}
	if l.defaults != nil {
		return l.defaults.SystemPrompt
	}
	return ""
}

func (l *Loop) toolMetric(tool, status string, elapsed time.Duration) {
	if l.metrics != nil {
		l.metrics.ToolExecuted(tool, status, elapsed)
	}
}

// runInterrupted reports the run-fatal condition when the context is done
// or its deadline has passed.
func runInterrupted(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return models.NewError(models.ErrKindTimeout, "run deadline exceeded")
	}
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return models.WrapError(models.ErrKindTimeout, ctx.Err(), "run deadline exceeded")
		}
		return models.WrapError(models.ErrKindCancelled, ctx.Err(), "run cancelled")
	default:
		return nil
	}
}

// classifyLLMError maps provider failures to run-error kinds. A deadline
// overrun on the run context is a run timeout, not an LLM fault.
func classifyLLMError(err error) error {
	switch models.KindOf(err) {
	case models.ErrKindLLMTimeout:
		return models.WrapError(models.ErrKindTimeout, err, "run deadline exceeded during completion")
	case models.ErrKindCancelled, models.ErrKindLLMUnavailable, models.ErrKindRateLimited:
		return err
	default:
		return models.WrapError(models.ErrKindLLMUnavailable, err, "completion failed")
	}
}

// Package hooks implements the priority-ordered interceptor chain that gates
// tool execution: sandbox, approval, rate-limit, and audit hooks, each able
// to allow, reject, or rewrite a call's arguments.
package hooks

import (
	"context"
	"sort"

	"github.com/agentloom/loom/pkg/bus"
	"github.com/agentloom/loom/pkg/models"
)

// Decision is a hook's verdict for one tool call.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionReject Decision = "reject"
	DecisionModify Decision = "modify"
)

// Result carries a hook's decision plus its reject reason or rewritten
// arguments.
type Result struct {
	Decision Decision
	Reason   string
	Kind     models.ErrorKind // set on reject
	Args     map[string]any   // set on modify
}

// Allow is the identity outcome.
func Allow() Result { return Result{Decision: DecisionAllow} }

// Reject short-circuits the chain with a classified reason.
func Reject(kind models.ErrorKind, reason string) Result {
	return Result{Decision: DecisionReject, Kind: kind, Reason: reason}
}

// Modify replaces the call's arguments for all subsequent hooks and for
// execution.
func Modify(args map[string]any) Result {
	return Result{Decision: DecisionModify, Args: args}
}

// CallContext is what a hook sees for one tool call.
type CallContext struct {
	Session *models.Session
	Call    *models.ToolCall
	Run     *bus.Run // nil outside an active run
}

// Hook is an interceptor in the chain. Larger priority runs earlier.
type Hook interface {
	Kind() string
	Priority() int
	OnToolCall(ctx context.Context, call *CallContext) Result
}

// Optional observer interfaces. Hooks implement the ones they care about;
// the chain discovers them by type assertion.
type (
	// SessionObserver sees session lifecycle edges.
	SessionObserver interface {
		OnSessionStart(ctx context.Context, session *models.Session)
		OnSessionEnd(ctx context.Context, session *models.Session)
	}

	// QueryObserver sees query boundaries. OnQueryStart may reject, which
	// aborts the run before any LLM call.
	QueryObserver interface {
		OnQueryStart(ctx context.Context, session *models.Session, msg *models.Message) Result
		OnQueryEnd(ctx context.Context, session *models.Session)
	}

	// ResultObserver sees every tool result, including failures.
	ResultObserver interface {
		OnToolResult(ctx context.Context, call *CallContext, execErr error)
	}

	// ErrorObserver sees run-scoped errors.
	ErrorObserver interface {
		OnError(ctx context.Context, session *models.Session, err error)
	}
)

// Chain invokes hooks in descending priority order.
type Chain struct {
	hooks []Hook
}

// NewChain builds a chain; registration order does not matter.
func NewChain(hooks ...Hook) *Chain {
	sorted := append([]Hook(nil), hooks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() > sorted[j].Priority() })
	return &Chain{hooks: sorted}
}

// Hooks returns the chain in invocation order.
func (c *Chain) Hooks() []Hook { return c.hooks }

// OnToolCall runs the chain for one call. The first REJECT short-circuits;
// MODIFY outcomes accumulate, each hook seeing the already-rewritten
// arguments. The returned result carries the final argument map when any
// hook modified it.
func (c *Chain) OnToolCall(ctx context.Context, call *CallContext) Result {
	modified := false
	for _, h := range c.hooks {
		res := h.OnToolCall(ctx, call)
		switch res.Decision {
		case DecisionReject:
			return res
		case DecisionModify:
			call.Call.Arguments = res.Args
			modified = true
		}
	}
	if modified {
		return Modify(call.Call.Arguments)
	}
	return Allow()
}

// OnQueryStart runs query-start observers; the first REJECT aborts.
func (c *Chain) OnQueryStart(ctx context.Context, session *models.Session, msg *models.Message) Result {
	for _, h := range c.hooks {
		obs, ok := h.(QueryObserver)
		if !ok {
			continue
		}
		if res := obs.OnQueryStart(ctx, session, msg); res.Decision == DecisionReject {
			return res
		}
	}
	return Allow()
}

// OnQueryEnd notifies query-end observers.
func (c *Chain) OnQueryEnd(ctx context.Context, session *models.Session) {
	for _, h := range c.hooks {
		if obs, ok := h.(QueryObserver); ok {
			obs.OnQueryEnd(ctx, session)
		}
	}
}

// OnSessionStart notifies session observers.
func (c *Chain) OnSessionStart(ctx context.Context, session *models.Session) {
	for _, h := range c.hooks {
		if obs, ok := h.(SessionObserver); ok {
			obs.OnSessionStart(ctx, session)
		}
	}
}

// OnSessionEnd notifies session observers.
func (c *Chain) OnSessionEnd(ctx context.Context, session *models.Session) {
	for _, h := range c.hooks {
		if obs, ok := h.(SessionObserver); ok {
			obs.OnSessionEnd(ctx, session)
		}
	}
}

// OnToolResult notifies result observers after execution, successful or not.
func (c *Chain) OnToolResult(ctx context.Context, call *CallContext, execErr error) {
	for _, h := range c.hooks {
		if obs, ok := h.(ResultObserver); ok {
			obs.OnToolResult(ctx, call, execErr)
		}
	}
}

// OnError notifies error observers of a run-scoped failure.
func (c *Chain) OnError(ctx context.Context, session *models.Session, err error) {
	for _, h := range c.hooks {
		if obs, ok := h.(ErrorObserver); ok {
			obs.OnError(ctx, session, err)
		}
	}
}

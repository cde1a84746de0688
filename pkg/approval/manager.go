// Package approval implements the human-in-the-loop gate: pending approvals
// keyed by tool call, awaited with a deadline, resolved by the transport
// layer or by expiry.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentloom/loom/pkg/bus"
	"github.com/agentloom/loom/pkg/models"
	"github.com/agentloom/loom/pkg/store"
)

// Outcome is what an awaiter observes once an approval reaches a terminal
// state.
type Outcome struct {
	Status  models.ApprovalStatus
	Comment string
}

type pending struct {
	approval *models.Approval
	done     chan Outcome
	once     sync.Once
}

func (p *pending) resolve(out Outcome) {
	p.once.Do(func() {
		p.done <- out
		close(p.done)
	})
}

// Manager owns the pending-approval table. Operations are short and
// lock-guarded; awaiting happens outside the lock on a per-approval channel.
type Manager struct {
	store  store.ApprovalStore
	expiry time.Duration
	logger *slog.Logger

	mu         sync.Mutex
	byID       map[string]*pending
	byToolCall map[string]*pending
}

// NewManager creates a Manager with the configured default expiry.
func NewManager(st store.ApprovalStore, expiry time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:      st,
		expiry:     expiry,
		logger:     logger.With("component", "approval"),
		byID:       make(map[string]*pending),
		byToolCall: make(map[string]*pending),
	}
}

// Request registers a pending approval for a tool call and emits the
// approval_required frame on the run stream. A second request for the same
// tool call returns the existing pending approval.
func (m *Manager) Request(ctx context.Context, run *bus.Run, tc *models.ToolCall, risk models.RiskLevel, score float64, rationale string) (*models.Approval, error) {
	m.mu.Lock()
	if existing, ok := m.byToolCall[tc.ID]; ok {
		a := *existing.approval
		m.mu.Unlock()
		return &a, nil
	}

	a := &models.Approval{
		ID:         uuid.New().String(),
		ToolCallID: tc.ID,
		SessionID:  tc.SessionID,
		Risk:       risk,
		RiskScore:  score,
		Rationale:  rationale,
		Status:     models.ApprovalPending,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(m.expiry),
	}
	p := &pending{approval: a, done: make(chan Outcome, 1)}
	m.byID[a.ID] = p
	m.byToolCall[tc.ID] = p
	m.mu.Unlock()

	if err := m.store.CreateApproval(ctx, a); err != nil {
		m.remove(p)
		return nil, err
	}

	if run != nil {
		run.Publish(bus.ApprovalRequired(a.ID, tc.ID, risk, rationale, a.ExpiresAt))
	}
	m.logger.Info("approval requested",
		"approval_id", a.ID, "tool_call_id", tc.ID, "risk", risk, "expires_at", a.ExpiresAt)

	cp := *a
	return &cp, nil
}

// Await blocks until the approval resolves, expires, or ctx is cancelled.
// An approval already past its expiry resolves to timeout immediately.
func (m *Manager) Await(ctx context.Context, approvalID string) (Outcome, error) {
	m.mu.Lock()
	p, ok := m.byID[approvalID]
	m.mu.Unlock()
	if !ok {
		// Already resolved and evicted; read the terminal state back.
		a, err := m.store.GetApproval(ctx, approvalID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: a.Status, Comment: a.Comment}, nil
	}

	wait := time.Until(p.approval.ExpiresAt)
	if wait <= 0 {
		m.expire(ctx, p)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case out, ok := <-p.done:
		if !ok {
			return m.terminalOutcome(ctx, approvalID)
		}
		return out, nil
	case <-timer.C:
		m.expire(ctx, p)
		return m.awaitResolved(ctx, p, approvalID)
	case <-ctx.Done():
		return Outcome{}, models.WrapError(models.ErrKindCancelled, ctx.Err(), "awaiting approval %s", approvalID)
	}
}

// awaitResolved drains the done channel after we raced resolution with
// expiry; whichever won, the channel carries the terminal outcome.
func (m *Manager) awaitResolved(ctx context.Context, p *pending, approvalID string) (Outcome, error) {
	out, ok := <-p.done
	if !ok {
		return m.terminalOutcome(ctx, approvalID)
	}
	return out, nil
}

func (m *Manager) terminalOutcome(ctx context.Context, approvalID string) (Outcome, error) {
	a, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: a.Status, Comment: a.Comment}, nil
}

// Approve resolves a pending approval positively.
func (m *Manager) Approve(ctx context.Context, approvalID, resolverID, comment string) error {
	return m.resolve(ctx, approvalID, models.ApprovalApproved, resolverID, comment)
}

// Reject resolves a pending approval negatively.
func (m *Manager) Reject(ctx context.Context, approvalID, resolverID, reason string) error {
	return m.resolve(ctx, approvalID, models.ApprovalRejected, resolverID, reason)
}

func (m *Manager) resolve(ctx context.Context, approvalID string, status models.ApprovalStatus, resolverID, comment string) error {
	m.mu.Lock()
	p, ok := m.byID[approvalID]
	m.mu.Unlock()
	if !ok {
		return models.NewError(models.ErrKindNotFound, "no pending approval %s", approvalID)
	}

	now := time.Now()
	if now.After(p.approval.ExpiresAt) {
		m.expire(ctx, p)
		return models.NewError(models.ErrKindExpired, "approval %s expired at %s", approvalID, p.approval.ExpiresAt)
	}

	a := *p.approval
	a.Status = status
	a.ResolverID = resolverID
	a.Comment = comment
	a.ResolvedAt = &now

	if err := m.persistResolution(ctx, &a); err != nil {
		return err
	}
	m.remove(p)
	p.approval = &a
	p.resolve(Outcome{Status: status, Comment: comment})
	m.logger.Info("approval resolved", "approval_id", approvalID, "status", status, "resolver_id", resolverID)
	return nil
}

// expire transitions a pending approval to timeout. Idempotent: a lost race
// with resolve is a no-op.
func (m *Manager) expire(ctx context.Context, p *pending) {
	m.mu.Lock()
	_, stillPending := m.byID[p.approval.ID]
	m.mu.Unlock()
	if !stillPending {
		return
	}

	now := time.Now()
	a := *p.approval
	a.Status = models.ApprovalTimeout
	a.ResolvedAt = &now
	if err := m.persistResolution(ctx, &a); err != nil {
		if !models.IsKind(err, models.ErrKindInvalidState) {
			m.logger.Error("persisting approval timeout failed", "approval_id", a.ID, "error", err)
		}
		return
	}
	m.remove(p)
	p.approval = &a
	p.resolve(Outcome{Status: models.ApprovalTimeout})
	m.logger.Info("approval timed out", "approval_id", a.ID, "tool_call_id", a.ToolCallID)
}

func (m *Manager) persistResolution(ctx context.Context, a *models.Approval) error {
	return m.store.ResolveApproval(ctx, a, nil)
}

func (m *Manager) remove(p *pending) {
	m.mu.Lock()
	delete(m.byID, p.approval.ID)
	delete(m.byToolCall, p.approval.ToolCallID)
	m.mu.Unlock()
}

// Pending returns the in-memory pending approval by id, if any.
func (m *Manager) Pending(approvalID string) (*models.Approval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[approvalID]
	if !ok {
		return nil, false
	}
	a := *p.approval
	return &a, true
}

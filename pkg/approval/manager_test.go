package approval

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/loom/pkg/bus"
	"github.com/agentloom/loom/pkg/models"
	"github.com/agentloom/loom/pkg/store"
)

func newTestManager(t *testing.T, expiry time.Duration) (*Manager, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return NewManager(st, expiry, slog.Default()), st
}

func seedToolCall(t *testing.T, st *store.Memory) *models.ToolCall {
	t.Helper()
	ctx := context.Background()
	s := &models.Session{ID: uuid.New().String(), Status: models.SessionActive}
	require.NoError(t, st.CreateSession(ctx, s))

	tc := &models.ToolCall{
		ID:     uuid.New().String(),
		Name:   "write_file",
		Status: models.ToolCallAwaitingApproval,
		Source: models.ToolSourceBuiltin,
	}
	msg := &models.Message{
		ID:          uuid.New().String(),
		SessionID:   s.ID,
		Role:        models.RoleAssistant,
		ToolCallIDs: []string{tc.ID},
	}
	require.NoError(t, st.AppendMessage(ctx, msg, []*models.ToolCall{tc}))
	return tc
}

func TestRequestEmitsApprovalRequired(t *testing.T) {
	m, st := newTestManager(t, time.Minute)
	tc := seedToolCall(t, st)

	mgr := bus.NewManager(0)
	run := mgr.StartRun(tc.SessionID)
	events, cancel := run.Subscribe(16)
	defer cancel()

	a, err := m.Request(context.Background(), run, tc, models.RiskHigh, 0.9, "writes outside workspace")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, a.Status)

	ev := <-events
	require.Equal(t, bus.TypeCustom, ev.Type)
	custom := ev.Payload.(bus.Custom)
	assert.Equal(t, bus.CustomApprovalRequired, custom.Name)
	assert.Equal(t, a.ID, custom.Data["approval_id"])
	assert.Equal(t, tc.ID, custom.Data["tool_call_id"])
}

func TestRequestIsIdempotentPerToolCall(t *testing.T) {
	m, st := newTestManager(t, time.Minute)
	tc := seedToolCall(t, st)

	first, err := m.Request(context.Background(), nil, tc, models.RiskMedium, 0.5, "r")
	require.NoError(t, err)
	second, err := m.Request(context.Background(), nil, tc, models.RiskMedium, 0.5, "r")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestApproveUnblocksAwaiter(t *testing.T) {
	m, st := newTestManager(t, time.Minute)
	tc := seedToolCall(t, st)

	a, err := m.Request(context.Background(), nil, tc, models.RiskHigh, 0.9, "r")
	require.NoError(t, err)

	outcomes := make(chan Outcome, 1)
	go func() {
		out, err := m.Await(context.Background(), a.ID)
		if err == nil {
			outcomes <- out
		}
	}()

	// Give the awaiter a moment to park.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Approve(context.Background(), a.ID, "user-1", "looks fine"))

	select {
	case out := <-outcomes:
		assert.Equal(t, models.ApprovalApproved, out.Status)
		assert.Equal(t, "looks fine", out.Comment)
	case <-time.After(time.Second):
		t.Fatal("awaiter never unblocked")
	}

	stored, err := st.GetApproval(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, stored.Status)
	assert.Equal(t, "user-1", stored.ResolverID)
}

func TestRejectUnblocksAwaiter(t *testing.T) {
	m, st := newTestManager(t, time.Minute)
	tc := seedToolCall(t, st)

	a, err := m.Request(context.Background(), nil, tc, models.RiskCritical, 1.0, "r")
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = m.Reject(context.Background(), a.ID, "user-1", "too risky")
	}()

	out, err := m.Await(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, out.Status)
	assert.Equal(t, "too risky", out.Comment)
}

func TestAwaitTimesOutAtExpiry(t *testing.T) {
	m, st := newTestManager(t, 30*time.Millisecond)
	tc := seedToolCall(t, st)

	a, err := m.Request(context.Background(), nil, tc, models.RiskHigh, 0.9, "r")
	require.NoError(t, err)

	out, err := m.Await(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalTimeout, out.Status)

	stored, err := st.GetApproval(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalTimeout, stored.Status)
}

func TestExpiryInThePastResolvesImmediately(t *testing.T) {
	m, st := newTestManager(t, -time.Second)
	tc := seedToolCall(t, st)

	a, err := m.Request(context.Background(), nil, tc, models.RiskHigh, 0.9, "r")
	require.NoError(t, err)

	start := time.Now()
	out, err := m.Await(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalTimeout, out.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolveAfterExpiryFails(t *testing.T) {
	m, st := newTestManager(t, -time.Second)
	tc := seedToolCall(t, st)

	a, err := m.Request(context.Background(), nil, tc, models.RiskHigh, 0.9, "r")
	require.NoError(t, err)

	err = m.Approve(context.Background(), a.ID, "user-1", "")
	assert.True(t, models.IsKind(err, models.ErrKindExpired))
}

func TestResolveUnknownApproval(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	err := m.Approve(context.Background(), "missing", "user-1", "")
	assert.True(t, models.IsKind(err, models.ErrKindNotFound))
}

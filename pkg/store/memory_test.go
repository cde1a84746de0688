package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/loom/pkg/models"
)

func newTestSession(t *testing.T, m *Memory) *models.Session {
	t.Helper()
	s := &models.Session{ID: uuid.New().String(), Status: models.SessionActive}
	require.NoError(t, m.CreateSession(context.Background(), s))
	return s
}

func appendUserMessage(t *testing.T, m *Memory, sessionID, content string) *models.Message {
	t.Helper()
	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   content,
	}
	require.NoError(t, m.AppendMessage(context.Background(), msg, nil))
	return msg
}

func TestCreateSessionDuplicate(t *testing.T) {
	m := NewMemory()
	s := newTestSession(t, m)

	err := m.CreateSession(context.Background(), &models.Session{ID: s.ID})
	assert.True(t, models.IsKind(err, models.ErrKindAlreadyExists))
}

func TestAppendMessageAssignsSeq(t *testing.T) {
	m := NewMemory()
	s := newTestSession(t, m)

	first := appendUserMessage(t, m, s.ID, "one")
	second := appendUserMessage(t, m, s.ID, "two")

	assert.Equal(t, 0, first.Seq)
	assert.Equal(t, 1, second.Seq)
}

func TestAppendMessageToEndedSession(t *testing.T) {
	m := NewMemory()
	s := newTestSession(t, m)
	require.NoError(t, m.EndSession(context.Background(), s.ID))

	msg := &models.Message{ID: uuid.New().String(), SessionID: s.ID, Role: models.RoleUser}
	err := m.AppendMessage(context.Background(), msg, nil)
	assert.True(t, models.IsKind(err, models.ErrKindInvalidState))
}

func TestAppendMessageWithToolCallsIsAtomic(t *testing.T) {
	m := NewMemory()
	s := newTestSession(t, m)

	tc := &models.ToolCall{
		ID:        uuid.New().String(),
		Name:      "read_file",
		Arguments: map[string]any{"path": "/work/a.txt"},
		Status:    models.ToolCallPending,
		Source:    models.ToolSourceBuiltin,
	}
	msg := &models.Message{
		ID:          uuid.New().String(),
		SessionID:   s.ID,
		Role:        models.RoleAssistant,
		ToolCallIDs: []string{tc.ID},
	}
	require.NoError(t, m.AppendMessage(context.Background(), msg, []*models.ToolCall{tc}))

	got, err := m.GetToolCall(context.Background(), tc.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.MessageID)
	assert.Equal(t, s.ID, got.SessionID)
}

func TestGetHistoryPagination(t *testing.T) {
	m := NewMemory()
	s := newTestSession(t, m)
	for i := 0; i < 5; i++ {
		appendUserMessage(t, m, s.ID, "msg")
	}

	page, cursor, err := m.GetHistory(context.Background(), s.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 2, cursor)

	page, cursor, err = m.GetHistory(context.Background(), s.ID, cursor, 10)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.Equal(t, 5, cursor)

	// Cursor at the end yields an empty page, not an error.
	page, _, err = m.GetHistory(context.Background(), s.ID, cursor, 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestUpdateToolCallRejectsIllegalTransition(t *testing.T) {
	m := NewMemory()
	s := newTestSession(t, m)

	tc := &models.ToolCall{ID: uuid.New().String(), Status: models.ToolCallPending, Source: models.ToolSourceBuiltin}
	msg := &models.Message{ID: uuid.New().String(), SessionID: s.ID, Role: models.RoleAssistant, ToolCallIDs: []string{tc.ID}}
	require.NoError(t, m.AppendMessage(context.Background(), msg, []*models.ToolCall{tc}))

	tc.Status = models.ToolCallCompleted // pending → completed skips executing
	err := m.UpdateToolCall(context.Background(), tc)
	assert.True(t, models.IsKind(err, models.ErrKindInvalidState))

	tc.Status = models.ToolCallExecuting
	require.NoError(t, m.UpdateToolCall(context.Background(), tc))
	tc.Status = models.ToolCallCompleted
	tc.Result = "ok"
	require.NoError(t, m.UpdateToolCall(context.Background(), tc))
}

func TestForkIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newTestSession(t, m)
	appendUserMessage(t, m, s.ID, "shared history")

	fork, err := m.Fork(ctx, s.ID, "experiment")
	require.NoError(t, err)
	assert.Equal(t, s.ID, fork.ForkedOf)
	assert.Equal(t, "experiment", fork.Name)

	// Divergent appends stay on their own timelines.
	appendUserMessage(t, m, s.ID, "only in original")
	appendUserMessage(t, m, fork.ID, "only in fork")

	orig, _, err := m.GetHistory(ctx, s.ID, 0, 0)
	require.NoError(t, err)
	forked, _, err := m.GetHistory(ctx, fork.ID, 0, 0)
	require.NoError(t, err)

	require.Len(t, orig, 2)
	require.Len(t, forked, 2)
	assert.Equal(t, "only in original", orig[1].Content)
	assert.Equal(t, "only in fork", forked[1].Content)
}

func TestForkCopiesToolCallsWithFreshIDs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newTestSession(t, m)

	tc := &models.ToolCall{ID: uuid.New().String(), Status: models.ToolCallPending, Source: models.ToolSourceBuiltin}
	msg := &models.Message{ID: uuid.New().String(), SessionID: s.ID, Role: models.RoleAssistant, ToolCallIDs: []string{tc.ID}}
	require.NoError(t, m.AppendMessage(ctx, msg, []*models.ToolCall{tc}))

	fork, err := m.Fork(ctx, s.ID, "")
	require.NoError(t, err)

	forkedMsgs, _, err := m.GetHistory(ctx, fork.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, forkedMsgs, 1)
	require.Len(t, forkedMsgs[0].ToolCallIDs, 1)

	forkedID := forkedMsgs[0].ToolCallIDs[0]
	assert.NotEqual(t, tc.ID, forkedID)

	forkedTC, err := m.GetToolCall(ctx, forkedID)
	require.NoError(t, err)
	assert.Equal(t, fork.ID, forkedTC.SessionID)

	// Resolving the fork's copy leaves the original untouched.
	forkedTC.Status = models.ToolCallCancelled
	require.NoError(t, m.UpdateToolCall(ctx, forkedTC))
	original, err := m.GetToolCall(ctx, tc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ToolCallPending, original.Status)
}

func TestTruncateMessagesDropsSuffixAndOrphanedCalls(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newTestSession(t, m)
	appendUserMessage(t, m, s.ID, "keep")

	tc := &models.ToolCall{ID: uuid.New().String(), Status: models.ToolCallPending, Source: models.ToolSourceBuiltin}
	msg := &models.Message{ID: uuid.New().String(), SessionID: s.ID, Role: models.RoleAssistant, ToolCallIDs: []string{tc.ID}}
	require.NoError(t, m.AppendMessage(ctx, msg, []*models.ToolCall{tc}))

	require.NoError(t, m.TruncateMessages(ctx, s.ID, 1))

	count, err := m.MessageCount(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = m.GetToolCall(ctx, tc.ID)
	assert.True(t, models.IsKind(err, models.ErrKindNotFound))

	err = m.TruncateMessages(ctx, s.ID, 5)
	assert.True(t, models.IsKind(err, models.ErrKindValidation))
}

func TestApprovalLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newTestSession(t, m)

	tc := &models.ToolCall{ID: uuid.New().String(), Status: models.ToolCallAwaitingApproval, Source: models.ToolSourceBuiltin}
	msg := &models.Message{ID: uuid.New().String(), SessionID: s.ID, Role: models.RoleAssistant, ToolCallIDs: []string{tc.ID}}
	require.NoError(t, m.AppendMessage(ctx, msg, []*models.ToolCall{tc}))

	a := &models.Approval{
		ID:         uuid.New().String(),
		ToolCallID: tc.ID,
		SessionID:  s.ID,
		Status:     models.ApprovalPending,
		ExpiresAt:  time.Now().Add(time.Minute),
	}
	require.NoError(t, m.CreateApproval(ctx, a))

	// One pending approval per tool call.
	dup := &models.Approval{ID: uuid.New().String(), ToolCallID: tc.ID, Status: models.ApprovalPending}
	err := m.CreateApproval(ctx, dup)
	assert.True(t, models.IsKind(err, models.ErrKindAlreadyExists))

	pending, err := m.PendingForToolCall(ctx, tc.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, a.ID, pending.ID)

	a.Status = models.ApprovalApproved
	tc.Status = models.ToolCallApproved
	require.NoError(t, m.ResolveApproval(ctx, a, tc))

	// Double resolution is rejected.
	a.Status = models.ApprovalRejected
	err = m.ResolveApproval(ctx, a, nil)
	assert.True(t, models.IsKind(err, models.ErrKindInvalidState))

	pending, err = m.PendingForToolCall(ctx, tc.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestSaveStateCAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sessionID := uuid.New().String()

	require.NoError(t, m.SaveState(ctx, sessionID, json.RawMessage(`{"a":1}`), 0, 1))

	// Stale expected version fails.
	err := m.SaveState(ctx, sessionID, json.RawMessage(`{"a":2}`), 0, 2)
	assert.True(t, models.IsKind(err, models.ErrKindInvalidState))

	require.NoError(t, m.SaveState(ctx, sessionID, json.RawMessage(`{"a":2}`), 1, 2))

	value, version, err := m.LoadState(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.JSONEq(t, `{"a":2}`, string(value))
}

func TestLoadStateMissingSession(t *testing.T) {
	m := NewMemory()
	value, version, err := m.LoadState(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, value)
	assert.Equal(t, int64(0), version)
}

func TestGetHistoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	s := newTestSession(t, m)
	appendUserMessage(t, m, s.ID, "original")

	page, _, err := m.GetHistory(context.Background(), s.ID, 0, 0)
	require.NoError(t, err)
	page[0].Content = "mutated"

	page, _, err = m.GetHistory(context.Background(), s.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "original", page[0].Content)
}

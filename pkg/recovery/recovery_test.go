package recovery

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
	"github.com/agentloom/loom/pkg/statesync"
	"github.com/agentloom/loom/pkg/store"
)

type busyChecker bool

func (b busyChecker) Busy(string) bool { return bool(b) }

func seedSession(t *testing.T, st *store.Memory, messages int) *models.Session {
	t.Helper()
	s := &models.Session{ID: uuid.New().String(), Status: models.SessionCreated, CreatedAt: time.Now()}
	require.NoError(t, st.CreateSession(context.Background(), s))
	for i := 0; i < messages; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		require.NoError(t, st.AppendMessage(context.Background(), &models.Message{
			ID:        uuid.New().String(),
			SessionID: s.ID,
			Role:      role,
			Content:   "m",
		}, nil))
	}
	return s
}

func TestCreateAndRestore(t *testing.T) {
	st := store.NewMemory()
	state := statesync.NewManager()
	m := NewManager(st, state, busyChecker(false), slog.Default())
	s := seedSession(t, st, 2)

	require.NoError(t, state.ApplyServer(s.ID, nil, []bus.DeltaOp{{Path: "/phase", Op: "add", Value: "one"}}))

	cp, err := m.CreateCheckpoint(context.Background(), s.ID, "after phase one", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.MessageCount)
	assert.Equal(t, int64(1), cp.StateVersion)

	// Drift past the checkpoint.
	require.NoError(t, st.AppendMessage(context.Background(), &models.Message{
		ID: uuid.New().String(), SessionID: s.ID, Role: models.RoleUser, Content: "later",
	}, nil))
	require.NoError(t, state.ApplyServer(s.ID, nil, []bus.DeltaOp{{Path: "/phase", Op: "replace", Value: "two"}}))

	restored, err := m.Restore(context.Background(), s.ID, cp.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, restored.ID)

	msgs, _, err := st.GetHistory(context.Background(), s.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	value, version := state.Document(s.ID).Snapshot()
	assert.Equal(t, int64(1), version)
	assert.Equal(t, "one", value["phase"])
}

func TestRestoreDropsTruncatedToolCalls(t *testing.T) {
	st := store.NewMemory()
	state := statesync.NewManager()
	m := NewManager(st, state, nil, slog.Default())
	s := seedSession(t, st, 1)

	cp, err := m.CreateCheckpoint(context.Background(), s.ID, "", nil)
	require.NoError(t, err)

	// Append an assistant message carrying a tool call after the checkpoint.
	require.NoError(t, st.AppendMessage(context.Background(), &models.Message{
		ID: "m2", SessionID: s.ID, Role: models.RoleAssistant, ToolCallIDs: []string{"tc1"},
	}, []*models.ToolCall{{
		ID: "tc1", SessionID: s.ID, MessageID: "m2", Name: "ping", Status: models.ToolCallCompleted,
	}}))

	_, err = m.Restore(context.Background(), s.ID, cp.ID, nil)
	require.NoError(t, err)

	_, err = st.GetToolCall(context.Background(), "tc1")
	assert.True(t, models.IsKind(err, models.ErrKindNotFound))
}

func TestRestoreRefusedWhileBusy(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st, statesync.NewManager(), busyChecker(true), slog.Default())
	s := seedSession(t, st, 1)

	cp := &models.Checkpoint{ID: "cp1", SessionID: s.ID, CreatedAt: time.Now()}
	require.NoError(t, st.CreateCheckpoint(context.Background(), cp))

	_, err := m.Restore(context.Background(), s.ID, "cp1", nil)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindInvalidState))
}

func TestRestoreWrongSession(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st, statesync.NewManager(), nil, slog.Default())
	a := seedSession(t, st, 1)
	b := seedSession(t, st, 1)

	cp, err := m.CreateCheckpoint(context.Background(), a.ID, "", nil)
	require.NoError(t, err)

	_, err = m.Restore(context.Background(), b.ID, cp.ID, nil)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindValidation))
}

func TestRestoreEmitsFrames(t *testing.T) {
	st := store.NewMemory()
	state := statesync.NewManager()
	m := NewManager(st, state, nil, slog.Default())
	s := seedSession(t, st, 1)

	cp, err := m.CreateCheckpoint(context.Background(), s.ID, "", nil)
	require.NoError(t, err)

	busman := bus.NewManager(time.Hour)
	run := busman.StartRun(s.ID)
	ch, unsubscribe := run.Subscribe(16)

	_, err = m.Restore(context.Background(), s.ID, cp.ID, run)
	require.NoError(t, err)
	unsubscribe()

	var names []string
	for ev := range ch {
		if c, ok := ev.Payload.(bus.Custom); ok {
			names = append(names, "custom:"+c.Name)
			if c.Name == bus.CustomCheckpointCreated {
				assert.Equal(t, true, c.Data["restored"])
			}
			continue
		}
		names = append(names, string(ev.Type))
	}
	run.Close()
	assert.Equal(t, []string{"custom:checkpoint_created", "state_snapshot"}, names)
}

func TestListCheckpoints(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st, statesync.NewManager(), nil, slog.Default())
	s := seedSession(t, st, 1)

	_, err := m.CreateCheckpoint(context.Background(), s.ID, "a", nil)
	require.NoError(t, err)
	_, err = m.CreateCheckpoint(context.Background(), s.ID, "b", nil)
	require.NoError(t, err)

	cps, err := m.List(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)
}

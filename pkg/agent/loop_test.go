package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/loom/pkg/approval"
	"github.com/agentloom/loom/pkg/bus"
	"github.com/agentloom/loom/pkg/config"
	"github.com/agentloom/loom/pkg/hooks"
	"github.com/agentloom/loom/pkg/llm"
	"github.com/agentloom/loom/pkg/models"
	"github.com/agentloom/loom/pkg/store"
	"github.com/agentloom/loom/pkg/tools"
)

// stubTool is a scriptable registry entry.
type stubTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) (string, error)
}

func (t *stubTool) Name() string            { return t.name }
func (t *stubTool) Description() string     { return "test tool: " + t.name }
func (t *stubTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *stubTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.fn(ctx, args)
}

type fixture struct {
	st       *store.Memory
	registry *tools.Registry
	loop     *Loop
	bus      *bus.Manager
}

func newFixture(t *testing.T, client llm.Client, hookList ...hooks.Hook) *fixture {
	t.Helper()
	st := store.NewMemory()
	registry := tools.NewRegistry(time.Second, 4096)
	defaults := &config.Defaults{MaxTurns: 10}
	loop := New(client, st, registry, hooks.NewChain(hookList...), defaults, nil, slog.Default())
	return &fixture{
		st:       st,
		registry: registry,
		loop:     loop,
		bus:      bus.NewManager(time.Hour),
	}
}

func (f *fixture) newSession(t *testing.T, cfg models.SessionConfig) *models.Session {
	t.Helper()
	s := &models.Session{
		ID:        uuid.New().String(),
		Status:    models.SessionCreated,
		Config:    cfg,
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.st.CreateSession(context.Background(), s))
	return s
}

// runTurn appends the user message, executes the loop, and returns the
// result plus every published event.
func (f *fixture) runTurn(ctx context.Context, t *testing.T, session *models.Session, content string) (*Result, error, []bus.Event) {
	t.Helper()

	userMsg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.st.AppendMessage(context.Background(), userMsg, nil))

	run := f.bus.StartRun(session.ID)
	ch, unsubscribe := run.Subscribe(256)

	res, err := f.loop.Execute(ctx, &Params{
		Session:     session,
		UserMessage: userMsg,
		Run:         run,
		Mode:        models.ModeChat,
		OwnsRun:     true,
	})

	unsubscribe()
	var events []bus.Event
	for ev := range ch {
		events = append(events, ev)
	}
	run.Close()
	return res, err, events
}

func eventNames(events []bus.Event) []string {
	var out []string
	for _, ev := range events {
		if c, ok := ev.Payload.(bus.Custom); ok {
			out = append(out, "custom:"+c.Name)
			continue
		}
		out = append(out, string(ev.Type))
	}
	return out
}

// assertBalancedToolEvents checks that every tool_call_start has exactly
// one tool_call_end for the same id.
func assertBalancedToolEvents(t *testing.T, events []bus.Event) {
	t.Helper()
	starts := map[string]int{}
	ends := map[string]int{}
	for _, ev := range events {
		switch p := ev.Payload.(type) {
		case bus.ToolCallStart:
			starts[p.ToolCallID]++
		case bus.ToolCallEnd:
			ends[p.ToolCallID]++
		}
	}
	assert.Equal(t, starts, mapOnes(starts), "duplicate tool_call_start")
	for id := range starts {
		assert.Equal(t, 1, ends[id], "tool_call_end count for %s", id)
	}
	for id := range ends {
		assert.Contains(t, starts, id, "tool_call_end without start")
	}
}

func mapOnes(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k := range in {
		out[k] = 1
	}
	return out
}

func historyLen(t *testing.T, st *store.Memory, sessionID string) int {
	t.Helper()
	msgs, _, err := st.GetHistory(context.Background(), sessionID, 0, 0)
	require.NoError(t, err)
	return len(msgs)
}

func TestPlainChat(t *testing.T) {
	client := llm.NewStub(llm.StubTurn{Text: "hello back"})
	f := newFixture(t, client)
	session := f.newSession(t, models.SessionConfig{})

	res, err, events := f.runTurn(context.Background(), t, session, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello back", res.Text)
	assert.Equal(t, 1, res.Turns)

	assert.Equal(t, []string{
		"run_started",
		"text_message_start", "text_message_content", "text_message_content", "text_message_end",
		"run_finished",
	}, eventNames(events))
	assert.Equal(t, 2, historyLen(t, f.st, session.ID))
}

func TestSingleToolCallAutoApprove(t *testing.T) {
	client := llm.NewStub(
		llm.StubTurn{ToolUses: []llm.ToolUse{{ID: "tu_1", Name: "read_file", Args: json.RawMessage(`{"path":"/etc/hosts"}`)}}},
		llm.StubTurn{Text: "the file says localhost"},
	)
	f := newFixture(t, client)
	require.NoError(t, f.registry.Register(&stubTool{name: "read_file", fn: func(context.Context, map[string]any) (string, error) {
		return "127.0.0.1 localhost", nil
	}}))
	session := f.newSession(t, models.SessionConfig{ApprovalMode: models.ApprovalModeAuto})

	res, err, events := f.runTurn(context.Background(), t, session, "read /etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Turns)
	assertBalancedToolEvents(t, events)

	var end bus.ToolCallEnd
	for _, ev := range events {
		if p, ok := ev.Payload.(bus.ToolCallEnd); ok {
			end = p
		}
	}
	assert.Equal(t, models.ToolCallCompleted, end.Status)
	assert.Equal(t, "127.0.0.1 localhost", end.Result)

	// user, assistant(tool_use), tool(result), assistant
	assert.Equal(t, 4, historyLen(t, f.st, session.ID))
	assert.Equal(t, "run_finished", eventNames(events)[len(events)-1])

	tc, err := f.st.GetToolCall(context.Background(), "tu_1")
	require.NoError(t, err)
	assert.Equal(t, models.ToolCallCompleted, tc.Status)
}

func TestManualApprovalApproved(t *testing.T) {
	client := llm.NewStub(
		llm.StubTurn{ToolUses: []llm.ToolUse{{ID: "tu_w", Name: "write_file", Args: json.RawMessage(`{"path":"/work/a","content":"x"}`)}}},
		llm.StubTurn{Text: "written"},
	)
	st := store.NewMemory()
	mgr := approval.NewManager(st, time.Second, slog.Default())
	gate := hooks.NewApprovalGate(mgr, &config.ApprovalConfig{Mode: "manual", GatedTools: []string{"write_file"}})

	f := newFixture(t, client, gate)
	f.st = st
	f.loop = New(client, st, f.registry, hooks.NewChain(gate), &config.Defaults{MaxTurns: 10}, nil, slog.Default())

	executed := false
	require.NoError(t, f.registry.Register(&stubTool{name: "write_file", fn: func(context.Context, map[string]any) (string, error) {
		executed = true
		return "ok", nil
	}}))
	session := f.newSession(t, models.SessionConfig{ApprovalMode: models.ApprovalModeManual})

	// Resolve the approval as soon as it lands.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if a, err := st.PendingForToolCall(context.Background(), "tu_w"); err == nil && a != nil {
				_ = mgr.Approve(context.Background(), a.ID, "tester", "go ahead")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	_, err, events := f.runTurn(context.Background(), t, session, "write the file")
	require.NoError(t, err)
	assert.True(t, executed)
	assert.Contains(t, eventNames(events), "custom:approval_required")
	assert.Equal(t, "run_finished", eventNames(events)[len(events)-1])
}

func TestManualApprovalTimeout(t *testing.T) {
	client := llm.NewStub(
		llm.StubTurn{ToolUses: []llm.ToolUse{{ID: "tu_w", Name: "write_file", Args: json.RawMessage(`{}`)}}},
		llm.StubTurn{Text: "could not write, approval lapsed"},
	)
	st := store.NewMemory()
	mgr := approval.NewManager(st, 30*time.Millisecond, slog.Default())
	gate := hooks.NewApprovalGate(mgr, &config.ApprovalConfig{Mode: "manual", GatedTools: []string{"write_file"}})

	f := newFixture(t, client, gate)
	f.st = st
	f.loop = New(client, st, f.registry, hooks.NewChain(gate), &config.Defaults{MaxTurns: 10}, nil, slog.Default())

	executed := false
	require.NoError(t, f.registry.Register(&stubTool{name: "write_file", fn: func(context.Context, map[string]any) (string, error) {
		executed = true
		return "ok", nil
	}}))
	session := f.newSession(t, models.SessionConfig{ApprovalMode: models.ApprovalModeManual})

	_, err, events := f.runTurn(context.Background(), t, session, "write the file")
	require.NoError(t, err)
	assert.False(t, executed)

	var end bus.ToolCallEnd
	for _, ev := range events {
		if p, ok := ev.Payload.(bus.ToolCallEnd); ok {
			end = p
		}
	}
	assert.Equal(t, models.ToolCallRejected, end.Status)
	require.NotNil(t, end.Error)
	assert.Equal(t, models.ErrKindApprovalTimeout, end.Error.Kind)
	assert.Equal(t, "run_finished", eventNames(events)[len(events)-1])
}

func TestSandboxReject(t *testing.T) {
	client := llm.NewStub(
		llm.StubTurn{ToolUses: []llm.ToolUse{{ID: "tu_s", Name: "read_file", Args: json.RawMessage(`{"path":"/etc/shadow"}`)}}},
		llm.StubTurn{Text: "that path is off limits"},
	)
	sandbox := hooks.NewSandbox(&config.SandboxConfig{AllowedPaths: []string{"/work"}})
	f := newFixture(t, client, sandbox)

	touched := false
	require.NoError(t, f.registry.Register(&stubTool{name: "read_file", fn: func(context.Context, map[string]any) (string, error) {
		touched = true
		return "secret", nil
	}}))
	session := f.newSession(t, models.SessionConfig{})

	_, err, events := f.runTurn(context.Background(), t, session, "read /etc/shadow")
	require.NoError(t, err)
	assert.False(t, touched, "filesystem tool must not run")

	var end bus.ToolCallEnd
	for _, ev := range events {
		if p, ok := ev.Payload.(bus.ToolCallEnd); ok {
			end = p
		}
	}
	assert.Equal(t, models.ToolCallRejected, end.Status)
	require.NotNil(t, end.Error)
	assert.Equal(t, models.ErrKindSandboxRejected, end.Error.Kind)
	assert.Contains(t, end.Error.Message, "/etc/shadow")
}

func TestToolFailureIsNonFatal(t *testing.T) {
	client := llm.NewStub(
		llm.StubTurn{ToolUses: []llm.ToolUse{{ID: "tu_f", Name: "ping", Args: json.RawMessage(`{}`)}}},
		llm.StubTurn{Text: "ping failed, moving on"},
	)
	f := newFixture(t, client)
	require.NoError(t, f.registry.Register(&stubTool{name: "ping", fn: func(context.Context, map[string]any) (string, error) {
		return "", errors.New("device not ready")
	}}))
	session := f.newSession(t, models.SessionConfig{})

	res, err, events := f.runTurn(context.Background(), t, session, "ping it")
	require.NoError(t, err)
	assert.Equal(t, "ping failed, moving on", res.Text)
	assertBalancedToolEvents(t, events)

	tc, err := f.st.GetToolCall(context.Background(), "tu_f")
	require.NoError(t, err)
	assert.Equal(t, models.ToolCallFailed, tc.Status)
	assert.Equal(t, models.ErrKindToolFailed, tc.ErrorKind)
}

func TestMaxTurnsExceeded(t *testing.T) {
	toolTurn := func(id string) llm.StubTurn {
		return llm.StubTurn{ToolUses: []llm.ToolUse{{ID: id, Name: "ping", Args: json.RawMessage(`{}`)}}}
	}
	client := llm.NewStub(toolTurn("tu_1"), toolTurn("tu_2"))
	f := newFixture(t, client)
	executions := 0
	require.NoError(t, f.registry.Register(&stubTool{name: "ping", fn: func(context.Context, map[string]any) (string, error) {
		executions++
		return "ok", nil
	}}))
	session := f.newSession(t, models.SessionConfig{MaxTurns: 1})

	_, err, events := f.runTurn(context.Background(), t, session, "keep pinging")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindMaxTurns))
	// First response's tool ran; the second response's tool call ends the run.
	assert.Equal(t, 1, executions)

	last := events[len(events)-1]
	runErr, ok := last.Payload.(bus.RunError)
	require.True(t, ok)
	assert.Equal(t, models.ErrKindMaxTurns, runErr.Kind)

	// The second response's tool call never ran, but its frames still close.
	assertBalancedToolEvents(t, events)
	tc, err := f.st.GetToolCall(context.Background(), "tu_2")
	require.NoError(t, err)
	assert.Equal(t, models.ToolCallCancelled, tc.Status)
}

func TestTokenLimitAborts(t *testing.T) {
	client := llm.NewStub(
		llm.StubTurn{
			ToolUses: []llm.ToolUse{{ID: "tu_1", Name: "ping", Args: json.RawMessage(`{}`)}},
			Usage:    llm.Usage{InputTokens: 40, OutputTokens: 20},
		},
	)
	f := newFixture(t, client)
	require.NoError(t, f.registry.Register(&stubTool{name: "ping", fn: func(context.Context, map[string]any) (string, error) {
		return "ok", nil
	}}))
	session := f.newSession(t, models.SessionConfig{TokenLimit: 50})

	_, err, events := f.runTurn(context.Background(), t, session, "go")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindTokenLimit))

	names := eventNames(events)
	assert.Contains(t, names, "custom:token_update")
	assert.Equal(t, "run_error", names[len(names)-1])
}

func TestZeroDeadlineTimesOutImmediately(t *testing.T) {
	client := llm.NewStub(llm.StubTurn{Text: "never reached"})
	f := newFixture(t, client)
	session := f.newSession(t, models.SessionConfig{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now())
	defer cancel()

	_, err, events := f.runTurn(ctx, t, session, "hello")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindTimeout))
	assert.Equal(t, []string{"run_started", "run_error"}, eventNames(events))
}

func TestCancellationMidCompletion(t *testing.T) {
	client := llm.NewStub(llm.StubTurn{Text: "slow", Delay: 500 * time.Millisecond})
	f := newFixture(t, client)
	session := f.newSession(t, models.SessionConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err, events := f.runTurn(ctx, t, session, "hello")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindCancelled))

	last := events[len(events)-1]
	runErr, ok := last.Payload.(bus.RunError)
	require.True(t, ok)
	assert.Equal(t, models.ErrKindCancelled, runErr.Kind)
}

func TestLLMExhaustionIsFatal(t *testing.T) {
	client := llm.NewStub() // no scripted turns
	f := newFixture(t, client)
	session := f.newSession(t, models.SessionConfig{})

	_, err, events := f.runTurn(context.Background(), t, session, "hello")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindLLMUnavailable))
	assert.Equal(t, "run_error", eventNames(events)[len(events)-1])
}

// blockQueries rejects every query at on_query_start.
type blockQueries struct{}

func (blockQueries) Kind() string  { return "blocker" }
func (blockQueries) Priority() int { return 50 }
func (blockQueries) OnToolCall(context.Context, *hooks.CallContext) hooks.Result {
	return hooks.Allow()
}
func (blockQueries) OnQueryStart(context.Context, *models.Session, *models.Message) hooks.Result {
	return hooks.Reject(models.ErrKindRejectedByHook, "maintenance window")
}
func (blockQueries) OnQueryEnd(context.Context, *models.Session) {}

func TestQueryStartRejectAborts(t *testing.T) {
	client := llm.NewStub(llm.StubTurn{Text: "never"})
	f := newFixture(t, client, blockQueries{})
	session := f.newSession(t, models.SessionConfig{})

	_, err, events := f.runTurn(context.Background(), t, session, "hello")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindRejectedByHook))
	assert.Equal(t, []string{"run_error"}, eventNames(events))
}

func TestMultipleToolBlocksExecuteInOrder(t *testing.T) {
	client := llm.NewStub(
		llm.StubTurn{ToolUses: []llm.ToolUse{
			{ID: "tu_a", Name: "ping", Args: json.RawMessage(`{"n":1}`)},
			{ID: "tu_b", Name: "ping", Args: json.RawMessage(`{"n":2}`)},
		}},
		llm.StubTurn{Text: "done"},
	)
	f := newFixture(t, client)
	var order []float64
	require.NoError(t, f.registry.Register(&stubTool{name: "ping", fn: func(_ context.Context, args map[string]any) (string, error) {
		order = append(order, args["n"].(float64))
		return "ok", nil
	}}))
	session := f.newSession(t, models.SessionConfig{})

	_, err, events := f.runTurn(context.Background(), t, session, "ping twice")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, order)
	assertBalancedToolEvents(t, events)

	// user, assistant(2 tool_use), tool, tool, assistant
	assert.Equal(t, 5, historyLen(t, f.st, session.ID))
}

func TestEventSequencesAreStrictlyIncreasing(t *testing.T) {
	client := llm.NewStub(
		llm.StubTurn{ToolUses: []llm.ToolUse{{ID: "tu_1", Name: "ping", Args: json.RawMessage(`{}`)}}},
		llm.StubTurn{Text: "done"},
	)
	f := newFixture(t, client)
	require.NoError(t, f.registry.Register(&stubTool{name: "ping", fn: func(context.Context, map[string]any) (string, error) {
		return "ok", nil
	}}))
	session := f.newSession(t, models.SessionConfig{})

	_, err, events := f.runTurn(context.Background(), t, session, "go")
	require.NoError(t, err)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq, "gap at index %d", i)
	}
}

package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/loom/pkg/agent"
	"github.com/agentloom/loom/pkg/bus"
	"github.com/agentloom/loom/pkg/config"
	"github.com/agentloom/loom/pkg/hooks"
	"github.com/agentloom/loom/pkg/llm"
	"github.com/agentloom/loom/pkg/models"
	"github.com/agentloom/loom/pkg/recovery"
	"github.com/agentloom/loom/pkg/router"
	"github.com/agentloom/loom/pkg/statesync"
	"github.com/agentloom/loom/pkg/store"
	"github.com/agentloom/loom/pkg/tools"
)

type fix struct {
	st       *store.Memory
	busman   *bus.Manager
	state    *statesync.Manager
	registry *tools.Registry
	orch     *Orchestrator
}

type noopTool struct{ name string }

func (t *noopTool) Name() string            { return t.name }
func (t *noopTool) Description() string     { return "noop" }
func (t *noopTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *noopTool) Execute(context.Context, map[string]any) (string, error) {
	return "", nil
}

// newFix wires a full in-memory stack. loopClient feeds the agentic loop,
// planner feeds the workflow planner (nil = deterministic plan only).
func newFix(t *testing.T, loopClient, planner llm.Client) *fix {
	t.Helper()
	st := store.NewMemory()
	registry := tools.NewRegistry(time.Second, 4096)
	loop := agent.New(loopClient, st, registry, hooks.NewChain(),
		&config.Defaults{MaxTurns: 10}, nil, slog.Default())
	state := statesync.NewManager()
	rec := recovery.NewManager(st, state, nil, slog.Default())
	rt := router.New(nil, slog.Default())
	return &fix{
		st:       st,
		busman:   bus.NewManager(time.Hour),
		state:    state,
		registry: registry,
		orch:     New(rt, loop, planner, st, state, rec, registry, nil, slog.Default()),
	}
}

func (f *fix) newSession(t *testing.T, cfg models.SessionConfig) *models.Session {
	t.Helper()
	s := &models.Session{ID: uuid.New().String(), Status: models.SessionCreated, Config: cfg, CreatedAt: time.Now()}
	require.NoError(t, f.st.CreateSession(context.Background(), s))
	return s
}

func (f *fix) turn(ctx context.Context, t *testing.T, session *models.Session, text string) (*TurnResult, error, []bus.Event) {
	t.Helper()
	return f.turnWithMode(ctx, t, session, text, "")
}

func (f *fix) turnWithMode(ctx context.Context, t *testing.T, session *models.Session, text string, mode models.ExecutionMode) (*TurnResult, error, []bus.Event) {
	t.Helper()
	run := f.busman.StartRun(session.ID)
	ch, unsubscribe := run.Subscribe(256)
	res, err := f.orch.ExecuteTurn(ctx, session, text, mode, run)
	unsubscribe()
	var events []bus.Event
	for ev := range ch {
		events = append(events, ev)
	}
	run.Close()
	return res, err, events
}

func names(events []bus.Event) []string {
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

func count(ns []string, name string) int {
	n := 0
	for _, s := range ns {
		if s == name {
			n++
		}
	}
	return n
}

func TestChatPath(t *testing.T) {
	f := newFix(t, llm.NewStub(llm.StubTurn{Text: "a goroutine is a lightweight thread"}), nil)
	session := f.newSession(t, models.SessionConfig{})

	res, err, events := f.turn(context.Background(), t, session, "What is a goroutine?")
	require.NoError(t, err)
	assert.Equal(t, models.ModeChat, res.Mode)
	assert.Equal(t, "a goroutine is a lightweight thread", res.Result.Text)

	ns := names(events)
	assert.Equal(t, "run_started", ns[0])
	assert.Equal(t, "run_finished", ns[len(ns)-1])
	started := events[0].Payload.(bus.RunStarted)
	assert.Equal(t, "chat", started.Mode)

	stored, err := f.st.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModeChat, stored.LastMode)
	assert.Equal(t, models.SessionActive, stored.Status)
}

func TestWorkflowPathDeterministicPlan(t *testing.T) {
	f := newFix(t, llm.NewStub(
		llm.StubTurn{Text: "analysis complete"},
		llm.StubTurn{Text: "changes applied"},
		llm.StubTurn{Text: "verified"},
	), nil)
	session := f.newSession(t, models.SessionConfig{})

	res, err, events := f.turn(context.Background(), t, session, "migrate the config step by step")
	require.NoError(t, err)
	assert.Equal(t, models.ModeWorkflow, res.Mode)
	assert.Equal(t, "verified", res.Result.Text)
	assert.Equal(t, 3, res.Result.Turns)

	ns := names(events)
	assert.Equal(t, "run_started", ns[0])
	assert.Equal(t, "run_finished", ns[len(ns)-1])
	assert.Equal(t, 3, count(ns, "custom:step_progress"))
	assert.Equal(t, 3, count(ns, "custom:workflow_state"))
	assert.Equal(t, 3, count(ns, "state_delta"))
	assert.Equal(t, 1, count(ns, "run_started"))
	assert.Equal(t, 1, count(ns, "run_finished"))

	// step_progress totals and ordering
	step := 0
	for _, ev := range events {
		c, ok := ev.Payload.(bus.Custom)
		if !ok || c.Name != bus.CustomStepProgress {
			continue
		}
		step++
		assert.Equal(t, step, c.Data["step"])
		assert.Equal(t, 3, c.Data["total"])
	}

	// user + one assistant message per step
	msgs, _, err := f.st.GetHistory(context.Background(), session.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestWorkflowCheckpointEachStep(t *testing.T) {
	f := newFix(t, llm.NewStub(
		llm.StubTurn{Text: "one"}, llm.StubTurn{Text: "two"}, llm.StubTurn{Text: "three"},
	), nil)
	session := f.newSession(t, models.SessionConfig{CheckpointEach: true})

	_, err, events := f.turn(context.Background(), t, session, "plan and execute a 3-step migration")
	require.NoError(t, err)

	ns := names(events)
	assert.Equal(t, 2, count(ns, "custom:checkpoint_created"), "between steps only")

	cps, err := f.st.ListCheckpoints(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)
	// first checkpoint captures user + step-1 assistant message
	assert.Equal(t, 2, cps[0].MessageCount)
}

func TestManualOverrideWinsOverIntent(t *testing.T) {
	f := newFix(t, llm.NewStub(llm.StubTurn{Text: "short answer"}), nil)
	session := f.newSession(t, models.SessionConfig{ModeOverride: models.ModeChat})

	res, err, events := f.turn(context.Background(), t, session, "migrate the config step by step")
	require.NoError(t, err)
	assert.Equal(t, models.ModeChat, res.Mode)
	assert.Equal(t, 0, count(names(events), "custom:step_progress"))
}

func TestPerTurnModeWinsWithoutSticking(t *testing.T) {
	f := newFix(t, llm.NewStub(
		llm.StubTurn{Text: "step one done"},
		llm.StubTurn{Text: "step two done"},
		llm.StubTurn{Text: "step three done"},
		llm.StubTurn{Text: "plain answer"},
	), nil)
	session := f.newSession(t, models.SessionConfig{})

	res, err, events := f.turnWithMode(context.Background(), t, session, "what is a session?", models.ModeWorkflow)
	require.NoError(t, err)
	assert.Equal(t, models.ModeWorkflow, res.Mode)
	assert.Equal(t, 3, count(names(events), "custom:step_progress"))

	// The override lasted one turn: nothing persisted, and the next turn
	// classifies normally.
	stored, err := f.st.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Config.ModeOverride)
	assert.Equal(t, models.ModeWorkflow, stored.LastMode)

	res, err, _ = f.turn(context.Background(), t, session, "what is a session?")
	require.NoError(t, err)
	assert.Equal(t, models.ModeChat, res.Mode)
}

func TestLowConfidenceFallsBackToSessionDefault(t *testing.T) {
	f := newFix(t, llm.NewStub(llm.StubTurn{Text: "ok"}), nil)
	session := f.newSession(t, models.SessionConfig{})

	res, err, events := f.turn(context.Background(), t, session, "handle the thing")
	require.NoError(t, err)
	assert.Equal(t, models.ModeChat, res.Mode)

	ns := names(events)
	require.Equal(t, 1, count(ns, "custom:mode_detected"))
	for _, ev := range events {
		c, ok := ev.Payload.(bus.Custom)
		if !ok || c.Name != bus.CustomModeDetected {
			continue
		}
		assert.Equal(t, "chat", c.Data["mode"])
		assert.Less(t, c.Data["confidence"].(float64), router.ConfidenceThreshold)
	}
}

func TestHybridWithoutPromotion(t *testing.T) {
	f := newFix(t, llm.NewStub(llm.StubTurn{Text: "let me look at the logs first"}), nil)
	session := f.newSession(t, models.SessionConfig{})

	res, err, events := f.turn(context.Background(), t, session, "investigate and fix the crash")
	require.NoError(t, err)
	assert.Equal(t, models.ModeHybrid, res.Mode)

	ns := names(events)
	assert.Equal(t, "run_started", ns[0])
	assert.Equal(t, "hybrid", events[0].Payload.(bus.RunStarted).Mode)
	assert.Equal(t, "run_finished", ns[len(ns)-1])
	assert.Equal(t, 0, count(ns, "custom:step_progress"))
}

func TestHybridPromotesMidTurn(t *testing.T) {
	f := newFix(t, llm.NewStub(
		llm.StubTurn{Text: "this needs a plan: I will delegate subtasks and checkpoint progress"},
		llm.StubTurn{Text: "one"}, llm.StubTurn{Text: "two"}, llm.StubTurn{Text: "three"},
	), nil)
	session := f.newSession(t, models.SessionConfig{})

	res, err, events := f.turn(context.Background(), t, session, "investigate and fix the data pipeline")
	require.NoError(t, err)
	assert.Equal(t, models.ModeHybrid, res.Mode)
	assert.Equal(t, 4, res.Result.Turns)

	ns := names(events)
	assert.Equal(t, 1, count(ns, "custom:mode_detected"), "promotion announcement")
	assert.Equal(t, 3, count(ns, "custom:step_progress"))
	assert.Equal(t, 1, count(ns, "run_started"))
	assert.Equal(t, 1, count(ns, "run_finished"))
	assert.Equal(t, 0, count(ns, "run_error"))
}

func TestWorkflowStepFailurePublishesSingleRunError(t *testing.T) {
	// Two scripted turns; the third step finds the client exhausted.
	f := newFix(t, llm.NewStub(llm.StubTurn{Text: "one"}, llm.StubTurn{Text: "two"}), nil)
	session := f.newSession(t, models.SessionConfig{})

	_, err, events := f.turn(context.Background(), t, session, "migrate the config step by step")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindLLMUnavailable))

	ns := names(events)
	assert.Equal(t, 1, count(ns, "run_error"))
	assert.Equal(t, 0, count(ns, "run_finished"))
	assert.Equal(t, "run_error", ns[len(ns)-1])
}

func TestNeuralPlan(t *testing.T) {
	planner := llm.NewStub(llm.StubTurn{
		Text: `[{"name":"inspect","prompt":"look around","tools":["read_file","no_such_tool"]},
		       {"name":"apply","prompt":"do it"}]`,
	})
	f := newFix(t, llm.NewStub(), planner)
	require.NoError(t, f.registry.Register(&noopTool{name: "read_file"}))

	steps, err := f.orch.neuralPlan(context.Background(), "do the thing")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "inspect", steps[0].Name)
	assert.Equal(t, []string{"read_file"}, steps[0].Tools, "unknown tools dropped")
	assert.Empty(t, steps[1].Tools)
}

func TestNeuralPlanGarbageFallsBack(t *testing.T) {
	planner := llm.NewStub(llm.StubTurn{Text: "I think three steps would work"})
	f := newFix(t, llm.NewStub(
		llm.StubTurn{Text: "one"}, llm.StubTurn{Text: "two"}, llm.StubTurn{Text: "three"},
	), planner)
	session := f.newSession(t, models.SessionConfig{})

	_, err, events := f.turn(context.Background(), t, session, "migrate the config step by step")
	require.NoError(t, err)
	assert.Equal(t, 3, count(names(events), "custom:step_progress"), "deterministic fallback plan")
}

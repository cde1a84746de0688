package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentloom/loom/pkg/agent"
	"github.com/agentloom/loom/pkg/bus"
	"github.com/agentloom/loom/pkg/llm"
	"github.com/agentloom/loom/pkg/models"
)

const maxPlanSteps = 8

// readOnlyTools is the tool subset for the analysis and verification steps
// of the deterministic fallback plan.
var readOnlyTools = []string{"read_file", "glob", "grep", "web_fetch", "web_search"}

// Step is one planned unit of workflow execution.
type Step struct {
	Name   string   `json:"name"`
	Prompt string   `json:"prompt"`
	Tools  []string `json:"tools,omitempty"` // empty = session default
}

// runWorkflow owns the run frames across the whole step machine.
func (o *Orchestrator) runWorkflow(ctx context.Context, session *models.Session, userMsg *models.Message, text string, run *bus.Run) (*agent.Result, error) {
	run.Publish(bus.RunStarted{Mode: string(models.ModeWorkflow)})
	run.Publish(bus.WorkflowState("planning", nil))

	steps := o.plan(ctx, text)
	run.Publish(bus.WorkflowState("executing", map[string]any{"steps": len(steps)}))

	res, err := o.runSteps(ctx, session, userMsg, run, steps)
	if err != nil {
		o.failRun(run, err)
		return nil, err
	}

	run.Publish(bus.WorkflowState("finished", nil))
	run.Publish(bus.RunFinished{})
	return res, nil
}

// runSteps executes each step as a loop call with a step-scoped prompt and
// tool subset, emitting step_progress between steps and checkpointing when
// the session asks for it.
func (o *Orchestrator) runSteps(ctx context.Context, session *models.Session, userMsg *models.Message, run *bus.Run, steps []Step) (*agent.Result, error) {
	total := &agent.Result{}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, interrupted(ctx)
		}

		run.Publish(bus.StepProgress(i+1, len(steps), step.Name))
		o.syncStepState(session.ID, run, i+1, len(steps), step.Name)

		res, err := o.loop.Execute(ctx, &agent.Params{
			Session:      session,
			UserMessage:  userMsg,
			Run:          run,
			Mode:         models.ModeWorkflow,
			SystemPrompt: o.stepPrompt(session, i+1, len(steps), step),
			ToolNames:    step.Tools,
			OwnsRun:      false,
		})
		if err != nil {
			return nil, err
		}

		total.Text = res.Text
		total.Turns += res.Turns
		total.Usage.InputTokens += res.Usage.InputTokens
		total.Usage.OutputTokens += res.Usage.OutputTokens

		if session.Config.CheckpointEach && o.recovery != nil && i < len(steps)-1 {
			label := fmt.Sprintf("after step %d: %s", i+1, step.Name)
			if _, err := o.recovery.CreateCheckpoint(ctx, session.ID, label, run); err != nil {
				o.logger.Warn("Step checkpoint failed",
					"session_id", session.ID, "step", i+1, "error", err)
			}
		}
	}
	return total, nil
}

// syncStepState mirrors workflow progress into the shared-state document so
// chat and workflow paths observe the same view.
func (o *Orchestrator) syncStepState(sessionID string, run *bus.Run, step, totalSteps int, name string) {
	if o.state == nil {
		return
	}
	err := o.state.ApplyServer(sessionID, run, []bus.DeltaOp{{
		Path: "/workflow",
		Op:   "replace",
		Value: map[string]any{
			"step":  step,
			"total": totalSteps,
			"name":  name,
		},
	}})
	if err != nil {
		o.logger.Warn("Shared-state sync failed", "session_id", sessionID, "error", err)
	}
}

func (o *Orchestrator) stepPrompt(session *models.Session, step, totalSteps int, s Step) string {
	base := session.Config.SystemPrompt
	var b strings.Builder
	if base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are executing step %d of %d of a planned workflow.\n", step, totalSteps)
	fmt.Fprintf(&b, "Step: %s\n%s\n", s.Name, s.Prompt)
	b.WriteString("Complete only this step. Do not start later steps.")
	return b.String()
}

const plannerPrompt = `You plan a workflow for an agent runtime. Break the
user's request into 2 to 8 ordered steps. Respond with a single JSON array
and nothing else:
[{"name": "short name", "prompt": "instructions for this step", "tools": ["tool", ...]}]
Omit "tools" to allow every tool for that step.`

// plan asks the LLM for a step list and falls back to a deterministic
// analyze/execute/verify plan when the model is unavailable or returns
// something unusable.
func (o *Orchestrator) plan(ctx context.Context, text string) []Step {
	if o.llm != nil {
		if steps, err := o.neuralPlan(ctx, text); err == nil {
			return steps
		} else {
			o.logger.Warn("Planner fell back to deterministic steps", "error", err)
		}
	}
	return fallbackPlan(text)
}

func (o *Orchestrator) neuralPlan(ctx context.Context, text string) ([]Step, error) {
	turn, err := llm.Collect(ctx, o.llm, &llm.Request{
		System:    plannerPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: text}},
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, err
	}

	var steps []Step
	if err := json.Unmarshal([]byte(stripFences(turn.Text)), &steps); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("planner returned no steps")
	}
	if len(steps) > maxPlanSteps {
		steps = steps[:maxPlanSteps]
	}

	for i := range steps {
		if steps[i].Name == "" {
			steps[i].Name = fmt.Sprintf("step %d", i+1)
		}
		steps[i].Tools = o.knownTools(steps[i].Tools)
	}
	return steps, nil
}

// knownTools drops tool names the registry does not have; an emptied list
// reverts to the session default rather than advertising nothing.
func (o *Orchestrator) knownTools(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	var out []string
	for _, name := range names {
		if _, err := o.registry.Describe(name); err == nil {
			out = append(out, name)
		}
	}
	return out
}

// fallbackPlan is the deterministic three-step plan.
func fallbackPlan(text string) []Step {
	return []Step{
		{
			Name:   "analyze",
			Prompt: "Survey the context relevant to the request: " + text,
			Tools:  readOnlyTools,
		},
		{
			Name:   "execute",
			Prompt: "Carry out the request using the findings from the analysis step.",
		},
		{
			Name:   "verify",
			Prompt: "Verify the outcome of the previous step and summarize what was done.",
			Tools:  readOnlyTools,
		},
	}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func interrupted(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return models.WrapError(models.ErrKindTimeout, ctx.Err(), "run deadline exceeded")
	}
	return models.WrapError(models.ErrKindCancelled, ctx.Err(), "run cancelled")
}

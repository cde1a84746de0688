package tools

import (
	"context"
	"encoding/json"

	"github.com/agentloom/loom/pkg/models"
)

type subtaskArgs struct {
	Prompt string `json:"prompt" jsonschema:"required,description=Task for the delegated agent"`
}

// Delegate runs a delegated prompt to completion and returns the final
// assistant text. The orchestration layer injects this at wiring time so the
// tool stays free of a dependency on the loop.
type Delegate func(ctx context.Context, prompt string) (string, error)

// Subtask hands a prompt to a nested agent run.
type Subtask struct {
	delegate Delegate
}

func NewSubtask(delegate Delegate) *Subtask {
	return &Subtask{delegate: delegate}
}

func (t *Subtask) Name() string            { return "subtask" }
func (t *Subtask) Description() string     { return "Delegate a self-contained task to a sub-agent and return its result." }
func (t *Subtask) Schema() json.RawMessage { return SchemaFor(&subtaskArgs{}) }

func (t *Subtask) Execute(ctx context.Context, args map[string]any) (string, error) {
	var p subtaskArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	if t.delegate == nil {
		return "", models.NewError(models.ErrKindToolFailed, "no delegate configured")
	}
	result, err := t.delegate(ctx, p.Prompt)
	if err != nil {
		return "", models.WrapError(models.ErrKindToolFailed, err, "delegated task failed")
	}
	return result, nil
}

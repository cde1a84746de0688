package tools

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/agentloom/loom/pkg/models"
)

// defaultDenyList blocks command names that are never safe to run from an
// agent, regardless of approval.
var defaultDenyList = []string{
	"rm", "rmdir", "mkfs", "dd", "shutdown", "reboot", "halt",
	"sudo", "su", "chown", "chmod",
}

type execArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command line to execute"`
	Cwd     string `json:"cwd,omitempty" jsonschema:"description=Working directory"`
}

// Exec runs a shell command with a deny-list and an optional allow-list.
// When the allow-list is non-empty, only listed command names run.
type Exec struct {
	check PathChecker
	deny  map[string]bool
	allow map[string]bool
}

// NewExec builds the exec tool. Extra deny entries extend the defaults;
// allow, when non-empty, becomes an exclusive allow-list.
func NewExec(check PathChecker, extraDeny, allow []string) *Exec {
	if check == nil {
		check = noCheck
	}
	e := &Exec{check: check, deny: make(map[string]bool), allow: make(map[string]bool)}
	for _, name := range defaultDenyList {
		e.deny[name] = true
	}
	for _, name := range extraDeny {
		e.deny[name] = true
	}
	for _, name := range allow {
		e.allow[name] = true
	}
	return e
}

func (t *Exec) Name() string            { return "exec" }
func (t *Exec) Description() string     { return "Execute a shell command and return its combined output." }
func (t *Exec) Schema() json.RawMessage { return SchemaFor(&execArgs{}) }

func (t *Exec) Execute(ctx context.Context, args map[string]any) (string, error) {
	var p execArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.Command) == "" {
		return "", models.NewError(models.ErrKindInvalidToolArgs, "command must not be empty")
	}
	if p.Cwd != "" {
		if err := t.check(p.Cwd); err != nil {
			return "", models.WrapError(models.ErrKindSandboxRejected, err, "running in %s", p.Cwd)
		}
	}

	name := commandName(p.Command)
	if t.deny[name] {
		return "", models.NewError(models.ErrKindSandboxRejected, "command %q is denied", name)
	}
	if len(t.allow) > 0 && !t.allow[name] {
		return "", models.NewError(models.ErrKindSandboxRejected, "command %q is not on the allow-list", name)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = p.Cwd
	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return "", models.WrapError(models.ErrKindToolTimeout, ctx.Err(), "command %q", name)
	}
	if err != nil {
		return "", models.WrapError(models.ErrKindToolFailed, err,
			"command %q failed: %s", name, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// commandName extracts the first token of the command line, stripping any
// leading path.
func commandName(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	name := fields[0]
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

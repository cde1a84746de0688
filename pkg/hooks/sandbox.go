package hooks

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentloom/loom/pkg/config"
	"github.com/agentloom/loom/pkg/models"
)

// fileTools maps a file-touching tool to the argument keys naming paths.
var fileTools = map[string][]string{
	"read_file":  {"path"},
	"write_file": {"path"},
	"edit_file":  {"path"},
	"multi_edit": {"path"},
	"glob":       {"root"},
	"grep":       {"path"},
	"exec":       {"cwd"},
}

// Sandbox confines file tools to the allow-listed roots and rejects paths
// matching a deny-glob. Non-file tools pass through.
type Sandbox struct {
	roots  []string
	denied []string
}

// NewSandbox builds the sandbox hook from configuration. Roots are
// normalized to absolute paths.
func NewSandbox(cfg *config.SandboxConfig) *Sandbox {
	s := &Sandbox{denied: cfg.DeniedPatterns}
	for _, root := range cfg.AllowedPaths {
		if abs, err := filepath.Abs(root); err == nil {
			s.roots = append(s.roots, abs)
		}
	}
	return s
}

func (s *Sandbox) Kind() string  { return "sandbox" }
func (s *Sandbox) Priority() int { return 85 }

func (s *Sandbox) OnToolCall(_ context.Context, call *CallContext) Result {
	keys, ok := fileTools[call.Call.Name]
	if !ok {
		return Allow()
	}
	for _, key := range keys {
		raw, ok := call.Call.Arguments[key]
		if !ok {
			continue
		}
		path, ok := raw.(string)
		if !ok || path == "" {
			continue
		}
		if err := s.Check(path); err != nil {
			return Reject(models.ErrKindSandboxRejected, err.Error())
		}
	}
	return Allow()
}

// Check validates a single path against the sandbox policy. Exported so the
// file builtins can re-check paths they derive internally.
func (s *Sandbox) Check(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("path %q is not resolvable", path)
	}
	abs = filepath.Clean(abs)

	for _, pattern := range s.denied {
		if matched, _ := doublestar.Match(pattern, abs); matched {
			return fmt.Errorf("path %q matches denied pattern %q", abs, pattern)
		}
	}

	if len(s.roots) == 0 {
		return nil
	}
	for _, root := range s.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path %q is outside the allowed roots", abs)
}

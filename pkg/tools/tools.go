// Package tools implements the tool registry and the builtin tool set: file
// read/write/edit, glob and content search, shell exec, web fetch/search,
// and subtask delegation. Arguments are validated against each tool's JSON
// schema before execution; outputs are truncated to a configurable cap.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	sjson "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentloom/loom/pkg/models"
)

// TruncationMarker is appended when a tool's output exceeds the cap.
const TruncationMarker = "\n... [output truncated]"

// Tool is one executable capability.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema for the argument object.
	Schema() json.RawMessage
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Descriptor is the serialized form handed to the LLM.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema"`
	Source      models.ToolSource
}

type entry struct {
	tool      Tool
	source    models.ToolSource
	validator *sjson.Schema
	timeout   time.Duration
}

// Registry indexes tools by name and owns validation, timeouts and output
// truncation.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]*entry
	defaultTimeout time.Duration
	maxOutput      int
}

// NewRegistry creates an empty registry with process-wide execution limits.
func NewRegistry(defaultTimeout time.Duration, maxOutput int) *Registry {
	return &Registry{
		entries:        make(map[string]*entry),
		defaultTimeout: defaultTimeout,
		maxOutput:      maxOutput,
	}
}

// Register adds a builtin tool. Re-registering a name replaces it.
func (r *Registry) Register(t Tool) error {
	return r.register(t, models.ToolSourceBuiltin, 0)
}

// RegisterSourced adds a tool with an explicit source tag and optional
// per-tool timeout override (0 = registry default).
func (r *Registry) RegisterSourced(t Tool, source models.ToolSource, timeout time.Duration) error {
	return r.register(t, source, timeout)
}

func (r *Registry) register(t Tool, source models.ToolSource, timeout time.Duration) error {
	validator, err := compileSchema(t.Name(), t.Schema())
	if err != nil {
		return fmt.Errorf("compiling schema for tool %q: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.Name()] = &entry{tool: t, source: source, validator: validator, timeout: timeout}
	return nil
}

// Unregister removes a tool; unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// UnregisterSource removes every tool registered under the given source.
func (r *Registry) UnregisterSource(source models.ToolSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.entries {
		if e.source == source {
			delete(r.entries, name)
		}
	}
}

// List returns descriptors for all registered tools, sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Descriptor{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Schema:      e.tool.Schema(),
			Source:      e.source,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe returns one tool's descriptor.
func (r *Registry) Describe(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, models.NewError(models.ErrKindToolNotFound, "tool %q is not registered", name)
	}
	return Descriptor{
		Name:        e.tool.Name(),
		Description: e.tool.Description(),
		Schema:      e.tool.Schema(),
		Source:      e.source,
	}, nil
}

// Source returns the source tag for a registered tool.
func (r *Registry) Source(name string) (models.ToolSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return "", models.NewError(models.ErrKindToolNotFound, "tool %q is not registered", name)
	}
	return e.source, nil
}

// Validate checks an argument map against the tool's schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return models.NewError(models.ErrKindToolNotFound, "tool %q is not registered", name)
	}
	if e.validator == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so numeric types match what the validator
	// expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return models.WrapError(models.ErrKindInvalidToolArgs, err, "encoding arguments for %q", name)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return models.WrapError(models.ErrKindInvalidToolArgs, err, "decoding arguments for %q", name)
	}
	if err := e.validator.Validate(decoded); err != nil {
		return models.WrapError(models.ErrKindInvalidToolArgs, err, "arguments for %q failed validation", name)
	}
	return nil
}

// Execute validates and runs a tool under its timeout, truncating oversized
// output. A deadline overrun returns tool_timeout; other failures return
// tool_execution_failed unless already classified.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", models.NewError(models.ErrKindToolNotFound, "tool %q is not registered", name)
	}
	if err := r.Validate(name, args); err != nil {
		return "", err
	}

	timeout := e.timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := e.tool.Execute(execCtx, args)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", models.WrapError(models.ErrKindToolTimeout, err,
				"tool %q exceeded its %s timeout", name, timeout)
		}
		if ctx.Err() != nil {
			return "", models.WrapError(models.ErrKindCancelled, err, "tool %q cancelled", name)
		}
		var classified *models.Error
		if errors.As(err, &classified) {
			return "", err
		}
		return "", models.WrapError(models.ErrKindToolFailed, err, "tool %q failed", name)
	}
	return r.truncate(result), nil
}

func (r *Registry) truncate(s string) string {
	if r.maxOutput <= 0 || len(s) <= r.maxOutput {
		return s
	}
	return s[:r.maxOutput] + TruncationMarker
}

// compileSchema builds a validator from the tool's declared schema.
func compileSchema(name string, schema json.RawMessage) (*sjson.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	compiler := sjson.NewCompiler()
	url := fmt.Sprintf("tool://%s/schema.json", name)
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// SchemaFor reflects a parameter struct into a JSON schema object, used by
// the builtins to declare their argument shapes.
func SchemaFor(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("reflecting tool schema: %v", err))
	}
	return raw
}

// Package statesync maintains the per-session shared-state document and its
// snapshot + delta protocol. The server is the sole allocator of versions:
// every applied delta bumps the version by exactly one.
package statesync

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/agentloom/loom/pkg/bus"
)

// Op names mirror JSON Patch.
const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
	OpMove    = "move"
)

// ClientDiff is one client-originated mutation with its optimistic base.
type ClientDiff struct {
	Path     string `json:"path"`
	Op       string `json:"op"`
	Value    any    `json:"value,omitempty"`
	OldValue any    `json:"oldValue,omitempty"`
}

// Conflict marks a client diff that lost last-write-wins resolution.
type Conflict struct {
	Path        string `json:"path"`
	ClientValue any    `json:"client_value"`
	ServerValue any    `json:"server_value"`
}

// ApplyResult reports the outcome of a client diff batch.
type ApplyResult struct {
	Applied   []bus.DeltaOp
	Conflicts []Conflict
	Version   int64 // server version after application
}

// Document is one session's shared-state tree.
type Document struct {
	mu      sync.RWMutex
	value   map[string]any
	version int64
}

// NewDocument creates an empty document at version 0.
func NewDocument() *Document {
	return &Document{value: make(map[string]any)}
}

// Snapshot returns a deep copy of the tree and its version.
func (d *Document) Snapshot() (map[string]any, int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return deepCopyMap(d.value), d.version
}

// Version returns the current version.
func (d *Document) Version() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// ApplyServer applies a server-originated op list atomically and returns the
// resulting delta payload. The whole batch counts as one version bump.
func (d *Document) ApplyServer(ops []bus.DeltaOp) (bus.StateDelta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range ops {
		if err := applyOp(d.value, op); err != nil {
			return bus.StateDelta{}, err
		}
	}
	base := d.version
	d.version++
	return bus.StateDelta{Ops: ops, Version: d.version, BaseVersion: base}, nil
}

// ApplyClient applies client diffs under last-write-wins:
//   - If baseVersion matches the server version, the whole batch applies.
//   - Otherwise each diff applies only when the current server value at its
//     path equals the client's OldValue; mismatches become Conflicts.
//
// Applied diffs produce one version bump (the returned delta); a batch with
// no applicable diffs leaves the version untouched.
func (d *Document) ApplyClient(baseVersion int64, diffs []ClientDiff) (ApplyResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := ApplyResult{}
	fresh := baseVersion == d.version

	for _, diff := range diffs {
		if !fresh {
			current, _ := resolve(d.value, diff.Path)
			if !equalValue(current, diff.OldValue) {
				res.Conflicts = append(res.Conflicts, Conflict{
					Path:        diff.Path,
					ClientValue: diff.Value,
					ServerValue: current,
				})
				continue
			}
		}
		op := bus.DeltaOp{Path: diff.Path, Op: diff.Op, Value: diff.Value}
		if err := applyOp(d.value, op); err != nil {
			return ApplyResult{}, fmt.Errorf("apply client diff at %s: %w", diff.Path, err)
		}
		res.Applied = append(res.Applied, op)
	}

	if len(res.Applied) > 0 {
		d.version++
	}
	res.Version = d.version
	return res, nil
}

// --- tree manipulation ---

// applyOp mutates the tree in place for a single op.
func applyOp(root map[string]any, op bus.DeltaOp) error {
	switch op.Op {
	case OpAdd, OpReplace:
		return setPath(root, op.Path, op.Value)
	case OpRemove:
		return removePath(root, op.Path)
	case OpMove:
		val, ok := resolve(root, op.From)
		if !ok {
			return fmt.Errorf("move source %q not found", op.From)
		}
		if err := removePath(root, op.From); err != nil {
			return err
		}
		return setPath(root, op.Path, val)
	default:
		return fmt.Errorf("unsupported op %q", op.Op)
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// resolve walks the tree and returns the value at path.
func resolve(root any, path string) (any, bool) {
	cur := root
	for _, seg := range splitPath(path) {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setPath writes value at path, creating intermediate maps as needed.
func setPath(root map[string]any, path string, value any) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("cannot replace document root")
	}
	parent := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := parent[seg]
		if !ok {
			child := make(map[string]any)
			parent[seg] = child
			parent = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q traverses a non-object at %q", path, seg)
		}
		parent = child
	}
	parent[segs[len(segs)-1]] = value
	return nil
}

// removePath deletes the leaf at path. Missing leaves are a no-op.
func removePath(root map[string]any, path string) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("cannot remove document root")
	}
	parent := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := parent[seg].(map[string]any)
		if !ok {
			return nil
		}
		parent = next
	}
	delete(parent, segs[len(segs)-1])
	return nil
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// equalValue compares JSON-like values structurally.
func equalValue(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !equalValue(v, bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

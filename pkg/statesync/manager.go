package statesync

import (
	"sync"

	"github.com/agentloom/loom/pkg/bus"
)

// Manager indexes shared-state documents by session id and wires their
// deltas into the session's active run stream.
type Manager struct {
	mu   sync.Mutex
	docs map[string]*Document
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{docs: make(map[string]*Document)}
}

// Document returns the session's document, creating it on first use.
func (m *Manager) Document(sessionID string) *Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[sessionID]
	if !ok {
		doc = NewDocument()
		m.docs[sessionID] = doc
	}
	return doc
}

// Replace installs a restored document (checkpoint restore).
func (m *Manager) Replace(sessionID string, value map[string]any, version int64) *Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := &Document{value: value, version: version}
	if doc.value == nil {
		doc.value = make(map[string]any)
	}
	m.docs[sessionID] = doc
	return doc
}

// PublishSnapshot emits the current state to a run stream. Always sent to
// late subscribers before any delta.
func (m *Manager) PublishSnapshot(sessionID string, run *bus.Run) {
	value, version := m.Document(sessionID).Snapshot()
	run.Publish(bus.StateSnapshot{Value: value, Version: version})
}

// ApplyServer applies server ops and broadcasts the delta on the run stream.
func (m *Manager) ApplyServer(sessionID string, run *bus.Run, ops []bus.DeltaOp) error {
	delta, err := m.Document(sessionID).ApplyServer(ops)
	if err != nil {
		return err
	}
	if run != nil {
		run.Publish(delta)
	}
	return nil
}

// ApplyClient applies client diffs; applied ops broadcast a delta, each
// conflict broadcasts one prediction_conflicted custom frame.
func (m *Manager) ApplyClient(sessionID string, run *bus.Run, baseVersion int64, diffs []ClientDiff) (ApplyResult, error) {
	doc := m.Document(sessionID)
	base := doc.Version()
	res, err := doc.ApplyClient(baseVersion, diffs)
	if err != nil {
		return res, err
	}
	if run != nil {
		if len(res.Applied) > 0 {
			run.Publish(bus.StateDelta{Ops: res.Applied, Version: res.Version, BaseVersion: base})
		}
		for _, c := range res.Conflicts {
			run.Publish(bus.PredictionConflicted(c.Path, c.ClientValue, c.ServerValue))
		}
	}
	return res, nil
}

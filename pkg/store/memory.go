package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentloom/loom/pkg/models"
)

// Memory is the in-memory Store. It is the default backend and the test
// substrate; all reads return deep copies so callers can never alias
// internal state.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session
	messages    map[string][]*models.Message // sessionID → ordered
	toolCalls   map[string]*models.ToolCall  // toolCallID → call
	approvals   map[string]*models.Approval
	checkpoints map[string]*models.Checkpoint
	state       map[string]stateRow
}

type stateRow struct {
	value   json.RawMessage
	version int64
}

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string]*models.Session),
		messages:    make(map[string][]*models.Message),
		toolCalls:   make(map[string]*models.ToolCall),
		approvals:   make(map[string]*models.Approval),
		checkpoints: make(map[string]*models.Checkpoint),
		state:       make(map[string]stateRow),
	}
}

// --- sessions ---

func (m *Memory) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return models.NewError(models.ErrKindAlreadyExists, "session %s already exists", s.ID)
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = models.SessionCreated
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.NewError(models.ErrKindNotFound, "session %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpdateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return models.NewError(models.ErrKindNotFound, "session %s not found", s.ID)
	}
	cp := *s
	cp.Revision = cur.Revision + 1
	cp.UpdatedAt = time.Now()
	m.sessions[s.ID] = &cp
	s.Revision = cp.Revision
	return nil
}

func (m *Memory) EndSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return models.NewError(models.ErrKindNotFound, "session %s not found", id)
	}
	s.Status = models.SessionEnded
	s.Revision++
	s.UpdatedAt = time.Now()
	return nil
}

// --- messages & tool calls ---

func (m *Memory) AppendMessage(_ context.Context, msg *models.Message, calls []*models.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[msg.SessionID]
	if !ok {
		return models.NewError(models.ErrKindNotFound, "session %s not found", msg.SessionID)
	}
	if !s.CanAppend() {
		return models.NewError(models.ErrKindInvalidState, "session %s is ended", msg.SessionID)
	}

	msg.Seq = len(m.messages[msg.SessionID])
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg.Clone())

	for _, tc := range calls {
		tc.MessageID = msg.ID
		tc.SessionID = msg.SessionID
		if tc.CreatedAt.IsZero() {
			tc.CreatedAt = time.Now()
		}
		m.toolCalls[tc.ID] = tc.Clone()
	}

	s.Revision++
	s.UpdatedAt = time.Now()
	if s.Status == models.SessionCreated {
		s.Status = models.SessionActive
	}
	return nil
}

func (m *Memory) GetHistory(_ context.Context, sessionID string, cursor, limit int) ([]*models.Message, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, 0, models.NewError(models.ErrKindNotFound, "session %s not found", sessionID)
	}
	msgs := m.messages[sessionID]
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(msgs) {
		cursor = len(msgs)
	}
	end := len(msgs)
	if limit > 0 && cursor+limit < end {
		end = cursor + limit
	}
	out := make([]*models.Message, 0, end-cursor)
	for _, msg := range msgs[cursor:end] {
		out = append(out, msg.Clone())
	}
	return out, end, nil
}

func (m *Memory) MessageCount(_ context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return 0, models.NewError(models.ErrKindNotFound, "session %s not found", sessionID)
	}
	return len(m.messages[sessionID]), nil
}

func (m *Memory) GetToolCall(_ context.Context, id string) (*models.ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tc, ok := m.toolCalls[id]
	if !ok {
		return nil, models.NewError(models.ErrKindNotFound, "tool call %s not found", id)
	}
	return tc.Clone(), nil
}

func (m *Memory) GetToolCalls(_ context.Context, sessionID string) ([]*models.ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ToolCall
	for _, tc := range m.toolCalls {
		if tc.SessionID == sessionID {
			out = append(out, tc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateToolCall(_ context.Context, tc *models.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateToolCallLocked(tc)
}

func (m *Memory) updateToolCallLocked(tc *models.ToolCall) error {
	cur, ok := m.toolCalls[tc.ID]
	if !ok {
		return models.NewError(models.ErrKindNotFound, "tool call %s not found", tc.ID)
	}
	if cur.Status != tc.Status && !models.CanTransition(cur.Status, tc.Status) {
		return models.NewError(models.ErrKindInvalidState,
			"tool call %s: illegal transition %s → %s", tc.ID, cur.Status, tc.Status)
	}
	m.toolCalls[tc.ID] = tc.Clone()
	return nil
}

func (m *Memory) Fork(_ context.Context, sessionID, label string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sessions[sessionID]
	if !ok {
		return nil, models.NewError(models.ErrKindNotFound, "session %s not found", sessionID)
	}

	forked := *src
	forked.ID = uuid.New().String()
	forked.ForkedOf = sessionID
	forked.Status = models.SessionActive
	forked.Revision = 0
	forked.CreatedAt = time.Now()
	forked.UpdatedAt = forked.CreatedAt
	if label != "" {
		forked.Name = label
	}
	m.sessions[forked.ID] = &forked

	for _, msg := range m.messages[sessionID] {
		cp := msg.Clone()
		cp.SessionID = forked.ID
		m.messages[forked.ID] = append(m.messages[forked.ID], cp)
		for _, tcID := range msg.ToolCallIDs {
			if tc, ok := m.toolCalls[tcID]; ok {
				tcp := tc.Clone()
				// Tool calls keep their ids within the fork: messages
				// reference them by id and ids are unique per store entry,
				// so the fork gets fresh ids with a mapping.
				tcp.ID = uuid.New().String()
				tcp.SessionID = forked.ID
				m.toolCalls[tcp.ID] = tcp
				replaceID(cp.ToolCallIDs, tcID, tcp.ID)
			}
		}
	}

	out := forked
	return &out, nil
}

func replaceID(ids []string, from, to string) {
	for i, id := range ids {
		if id == from {
			ids[i] = to
		}
	}
}

func (m *Memory) TruncateMessages(_ context.Context, sessionID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return models.NewError(models.ErrKindNotFound, "session %s not found", sessionID)
	}
	msgs := m.messages[sessionID]
	if count < 0 || count > len(msgs) {
		return models.NewError(models.ErrKindValidation,
			"truncate count %d out of range [0,%d]", count, len(msgs))
	}
	for _, msg := range msgs[count:] {
		for _, tcID := range msg.ToolCallIDs {
			delete(m.toolCalls, tcID)
		}
	}
	m.messages[sessionID] = msgs[:count]
	s.Revision++
	s.UpdatedAt = time.Now()
	return nil
}

// --- approvals ---

func (m *Memory) CreateApproval(_ context.Context, a *models.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.approvals[a.ID]; exists {
		return models.NewError(models.ErrKindAlreadyExists, "approval %s already exists", a.ID)
	}
	for _, existing := range m.approvals {
		if existing.ToolCallID == a.ToolCallID && existing.Status == models.ApprovalPending {
			return models.NewError(models.ErrKindAlreadyExists,
				"tool call %s already has a pending approval", a.ToolCallID)
		}
	}
	cp := *a
	m.approvals[a.ID] = &cp
	return nil
}

func (m *Memory) GetApproval(_ context.Context, id string) (*models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, models.NewError(models.ErrKindNotFound, "approval %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) PendingForToolCall(_ context.Context, toolCallID string) (*models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.approvals {
		if a.ToolCallID == toolCallID && a.Status == models.ApprovalPending {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ResolveApproval(_ context.Context, a *models.Approval, tc *models.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.approvals[a.ID]
	if !ok {
		return models.NewError(models.ErrKindNotFound, "approval %s not found", a.ID)
	}
	if cur.Status.Terminal() {
		return models.NewError(models.ErrKindInvalidState,
			"approval %s already resolved to %s", a.ID, cur.Status)
	}
	if tc != nil {
		if err := m.updateToolCallLocked(tc); err != nil {
			return err
		}
	}
	cp := *a
	m.approvals[a.ID] = &cp
	return nil
}

// --- checkpoints ---

func (m *Memory) CreateCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkpoints[cp.ID]; exists {
		return models.NewError(models.ErrKindAlreadyExists, "checkpoint %s already exists", cp.ID)
	}
	c := *cp
	m.checkpoints[cp.ID] = &c
	return nil
}

func (m *Memory) GetCheckpoint(_ context.Context, id string) (*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, models.NewError(models.ErrKindNotFound, "checkpoint %s not found", id)
	}
	c := *cp
	return &c, nil
}

func (m *Memory) ListCheckpoints(_ context.Context, sessionID string) ([]*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Checkpoint
	for _, cp := range m.checkpoints {
		if cp.SessionID == sessionID {
			c := *cp
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- shared state ---

func (m *Memory) SaveState(_ context.Context, sessionID string, value json.RawMessage, expectVersion, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.state[sessionID]
	if cur.version != expectVersion {
		return models.NewError(models.ErrKindInvalidState,
			"state CAS failure for session %s: expected version %d, have %d",
			sessionID, expectVersion, cur.version)
	}
	m.state[sessionID] = stateRow{value: append(json.RawMessage(nil), value...), version: version}
	return nil
}

func (m *Memory) LoadState(_ context.Context, sessionID string) (json.RawMessage, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.state[sessionID]
	if !ok {
		return nil, 0, nil
	}
	return append(json.RawMessage(nil), row.value...), row.version, nil
}

package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentloom/loom/pkg/config"
	"github.com/agentloom/loom/pkg/models"
	"github.com/agentloom/loom/pkg/tools"
)

// defaultRequestTimeout caps a tool call when the server config names none.
const defaultRequestTimeout = 30 * time.Second

// QualifiedName joins server and tool into the registry-facing tool name.
func QualifiedName(serverID, tool string) string {
	return serverID + ":" + tool
}

// SplitQualifiedName is the inverse of QualifiedName.
func SplitQualifiedName(name string) (serverID, tool string, err error) {
	idx := strings.Index(name, ":")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", models.NewError(models.ErrKindToolNotFound, "%q is not a qualified mcp tool name", name)
	}
	return name[:idx], name[idx+1:], nil
}

// Manager owns the MCP client, the aggregate tool index, and the health
// loop. MCP tools are surfaced through the shared tool registry under
// qualified names; an unhealthy server's tools are pulled until it recovers.
type Manager struct {
	client   *Client
	registry *config.MCPServerRegistry
	tools    *tools.Registry
	logger   *slog.Logger

	mu        sync.RWMutex
	index     map[string]string // qualified tool name → serverID
	available map[string]bool   // serverID → currently serving tools
	statuses  map[string]*HealthStatus

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager wires the MCP layer to the shared tool registry.
func NewManager(client *Client, registry *config.MCPServerRegistry, toolRegistry *tools.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		client:    client,
		registry:  registry,
		tools:     toolRegistry,
		logger:    logger.With("component", "mcp"),
		index:     make(map[string]string),
		available: make(map[string]bool),
	}
}

// Start connects every enabled server, registers their tools, and launches
// the health loop.
func (m *Manager) Start(ctx context.Context) {
	m.client.Connect(ctx, m.registry.ServerIDs())
	for _, serverID := range m.registry.ServerIDs() {
		if m.client.HasSession(serverID) {
			m.registerServerTools(ctx, serverID)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.healthLoop(loopCtx)
}

// Stop terminates the health loop and closes all sessions.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	_ = m.client.Close()
}

// Execute dispatches a qualified tool call to its server.
func (m *Manager) Execute(ctx context.Context, qualified string, args map[string]any) (string, error) {
	serverID, tool, err := SplitQualifiedName(qualified)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	serving := m.available[serverID]
	m.mu.RUnlock()
	if !serving {
		return "", models.NewError(models.ErrKindMCPConnection, "server %q is unavailable", serverID)
	}
	return m.client.CallTool(ctx, serverID, tool, args)
}

// ToolIndex returns a copy of the qualified-name → server index.
func (m *Manager) ToolIndex() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.index))
	for k, v := range m.index {
		out[k] = v
	}
	return out
}

// registerServerTools lists a server's tools and installs adapters for them.
func (m *Manager) registerServerTools(ctx context.Context, serverID string) {
	list, err := m.client.ListTools(ctx, serverID)
	if err != nil {
		m.logger.Warn("listing mcp tools failed", "server", serverID, "error", err)
		return
	}
	source := models.MCPSource(serverID)
	timeout := defaultRequestTimeout
	if cfg, err := m.registry.Get(serverID); err == nil && cfg.RequestTimeout > 0 {
		timeout = cfg.RequestTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range list {
		qualified := QualifiedName(serverID, t.Name)
		adapter := &remoteTool{
			name:        qualified,
			description: t.Description,
			schema:      marshalSchema(t.InputSchema),
			execute:     m.Execute,
		}
		if err := m.tools.RegisterSourced(adapter, source, timeout); err != nil {
			m.logger.Warn("registering mcp tool failed", "tool", qualified, "error", err)
			continue
		}
		m.index[qualified] = serverID
	}
	m.available[serverID] = true
	m.logger.Info("mcp tools registered", "server", serverID, "count", len(list))
}

// unregisterServerTools pulls a server's tools from the registry.
func (m *Manager) unregisterServerTools(serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available[serverID] {
		return
	}
	m.tools.UnregisterSource(models.MCPSource(serverID))
	for name, owner := range m.index {
		if owner == serverID {
			delete(m.index, name)
		}
	}
	m.available[serverID] = false
	m.logger.Warn("mcp tools withdrawn", "server", serverID)
}

// remoteTool adapts one MCP tool to the registry's Tool interface.
type remoteTool struct {
	name        string
	description string
	schema      json.RawMessage
	execute     func(ctx context.Context, qualified string, args map[string]any) (string, error)
}

func (t *remoteTool) Name() string            { return t.name }
func (t *remoteTool) Description() string     { return t.description }
func (t *remoteTool) Schema() json.RawMessage { return t.schema }
func (t *remoteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.execute(ctx, t.name, args)
}

func marshalSchema(schema any) json.RawMessage {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	return raw
}

var _ tools.Tool = (*remoteTool)(nil)

// Package mcp connects the core to Model Context Protocol servers: per-server
// SDK sessions over stdio or streamable HTTP, a cached aggregate tool index,
// single-retry recovery with session recreation, and periodic health probes.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentloom/loom/pkg/config"
	"github.com/agentloom/loom/pkg/models"
	"github.com/agentloom/loom/pkg/version"
)

// Client manages SDK sessions for the configured MCP servers. Thread-safe;
// one Client serves the whole process.
type Client struct {
	registry *config.MCPServerRegistry

	mu            sync.RWMutex
	sessions      map[string]*mcpsdk.ClientSession
	failedServers map[string]string // serverID → last error

	toolCacheMu sync.RWMutex
	toolCache   map[string][]*mcpsdk.Tool

	// Per-server init mutex; serializes connect and recreate attempts.
	reinitMu sync.Map // serverID → *sync.Mutex

	logger *slog.Logger
}

// NewClient creates a disconnected client.
func NewClient(registry *config.MCPServerRegistry, logger *slog.Logger) *Client {
	return &Client{
		registry:      registry,
		sessions:      make(map[string]*mcpsdk.ClientSession),
		failedServers: make(map[string]string),
		toolCache:     make(map[string][]*mcpsdk.Tool),
		logger:        logger.With("component", "mcp"),
	}
}

// Connect dials every listed server. Failures are recorded, not fatal: the
// affected server's tools stay unavailable until recovery.
func (c *Client) Connect(ctx context.Context, serverIDs []string) {
	for _, serverID := range serverIDs {
		if err := c.ConnectServer(ctx, serverID); err != nil {
			c.mu.Lock()
			c.failedServers[serverID] = err.Error()
			c.mu.Unlock()
			c.logger.Warn("mcp server failed to connect", "server", serverID, "error", err)
		}
	}
}

// ConnectServer dials one server; a no-op when already connected.
func (c *Client) ConnectServer(ctx context.Context, serverID string) error {
	muI, _ := c.reinitMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return c.connectServerLocked(ctx, serverID)
}

func (c *Client) connectServerLocked(ctx context.Context, serverID string) error {
	c.mu.RLock()
	_, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if exists {
		return nil
	}

	serverCfg, err := c.registry.Get(serverID)
	if err != nil {
		return models.WrapError(models.ErrKindMCPConnection, err, "server %q not configured", serverID)
	}
	transport, err := createTransport(serverCfg.Transport)
	if err != nil {
		return models.WrapError(models.ErrKindMCPConnection, err, "building transport for %q", serverID)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := sdkClient.Connect(initCtx, transport, nil)
	if err != nil {
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return models.WrapError(models.ErrKindMCPConnection, err, "connecting to %q", serverID)
	}

	c.mu.Lock()
	c.sessions[serverID] = session
	delete(c.failedServers, serverID)
	c.mu.Unlock()

	c.logger.Info("mcp server connected", "server", serverID)
	return nil
}

// Disconnect closes one server's session.
func (c *Client) Disconnect(serverID string) {
	c.mu.Lock()
	if session, ok := c.sessions[serverID]; ok {
		_ = session.Close()
		delete(c.sessions, serverID)
	}
	c.mu.Unlock()
	c.invalidateToolCache(serverID)
}

// ListTools returns one server's tools, from cache when warm.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	// Lock ordering: never take c.mu while holding toolCacheMu.
	c.toolCacheMu.RLock()
	if cached, ok := c.toolCache[serverID]; ok {
		c.toolCacheMu.RUnlock()
		return cached, nil
	}
	c.toolCacheMu.RUnlock()

	session, timeout, err := c.sessionFor(serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, models.WrapError(models.ErrKindMCPTool, err, "listing tools from %q", serverID)
	}
	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	c.toolCacheMu.Lock()
	c.toolCache[serverID] = tools
	c.toolCacheMu.Unlock()
	return tools, nil
}

// CallTool executes one tool on a server. Transport failures get a single
// jittered retry, recreating the session when the connection is gone. A
// per-request deadline overrun maps to mcp_timeout without killing the
// connection.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (string, error) {
	params := &mcpsdk.CallToolParams{Name: toolName, Arguments: args}

	result, err := c.callToolOnce(ctx, serverID, params)
	if err == nil {
		return renderResult(serverID, toolName, result)
	}
	if models.IsKind(err, models.ErrKindMCPTimeout) {
		return "", err
	}

	action := classifyError(err)
	if action == NoRetry {
		return "", models.WrapError(models.ErrKindMCPTool, err, "calling %s on %q", toolName, serverID)
	}

	c.logger.Info("mcp call failed, retrying",
		"server", serverID, "tool", toolName, "action", action, "error", err)

	backoff := retryBackoffMin + time.Duration(rand.Int64N(int64(retryBackoffMax-retryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return "", models.WrapError(models.ErrKindCancelled, ctx.Err(), "calling %s on %q", toolName, serverID)
	}

	if action == RetryNewSession {
		if err := c.recreateSession(ctx, serverID); err != nil {
			return "", models.WrapError(models.ErrKindMCPConnection, err, "recreating session for %q", serverID)
		}
	}

	result, err = c.callToolOnce(ctx, serverID, params)
	if err != nil {
		return "", models.WrapError(models.ErrKindMCPTool, err, "retry failed for %q.%s", serverID, toolName)
	}
	return renderResult(serverID, toolName, result)
}

func (c *Client) callToolOnce(ctx context.Context, serverID string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	session, timeout, err := c.sessionFor(serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := session.CallTool(opCtx, params)
	if err != nil && opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, models.WrapError(models.ErrKindMCPTimeout, err,
			"tool %s on %q exceeded its %s timeout", params.Name, serverID, timeout)
	}
	return result, err
}

func (c *Client) sessionFor(serverID string) (*mcpsdk.ClientSession, time.Duration, error) {
	c.mu.RLock()
	session, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if !exists {
		return nil, 0, models.NewError(models.ErrKindMCPConnection, "no session for server %q", serverID)
	}
	timeout := 30 * time.Second
	if cfg, err := c.registry.Get(serverID); err == nil && cfg.RequestTimeout > 0 {
		timeout = cfg.RequestTimeout
	}
	return session, timeout, nil
}

// renderResult flattens the result's text blocks; an IsError result becomes
// a classified error.
func renderResult(serverID, toolName string, result *mcpsdk.CallToolResult) (string, error) {
	var text string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}
	if result.IsError {
		return "", models.NewError(models.ErrKindMCPTool, "tool %s on %q reported: %s", toolName, serverID, text)
	}
	return text, nil
}

// recreateSession tears down and redials one server under its init mutex.
func (c *Client) recreateSession(ctx context.Context, serverID string) error {
	muI, _ := c.reinitMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	if session, exists := c.sessions[serverID]; exists {
		_ = session.Close()
		delete(c.sessions, serverID)
	}
	c.mu.Unlock()
	c.invalidateToolCache(serverID)

	reinitCtx, cancel := context.WithTimeout(ctx, reinitTimeout)
	defer cancel()
	return c.connectServerLocked(reinitCtx, serverID)
}

// Close shuts down every session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing session %q: %w", id, err)
		}
	}
	c.sessions = make(map[string]*mcpsdk.ClientSession)
	c.failedServers = make(map[string]string)

	c.toolCacheMu.Lock()
	c.toolCache = make(map[string][]*mcpsdk.Tool)
	c.toolCacheMu.Unlock()
	return firstErr
}

// HasSession reports whether a server is currently connected.
func (c *Client) HasSession(serverID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.sessions[serverID]
	return exists
}

// FailedServers returns the servers that failed their last connect attempt.
func (c *Client) FailedServers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.failedServers))
	for k, v := range c.failedServers {
		out[k] = v
	}
	return out
}

func (c *Client) invalidateToolCache(serverID string) {
	c.toolCacheMu.Lock()
	delete(c.toolCache, serverID)
	c.toolCacheMu.Unlock()
}

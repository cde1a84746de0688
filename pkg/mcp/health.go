package mcp

import (
	"context"
	"time"
)

// HealthStatus is one server's last probe result.
type HealthStatus struct {
	ServerID  string    `json:"server_id"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

// healthLoop probes every configured server on a fixed cadence. A failed
// probe withdraws the server's tools; a successful probe after a failure
// reconnects and re-registers them.
func (m *Manager) healthLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, serverID := range m.registry.ServerIDs() {
				m.probe(ctx, serverID)
			}
		}
	}
}

func (m *Manager) probe(ctx context.Context, serverID string) {
	probeCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()

	if !m.client.HasSession(serverID) {
		if err := m.client.ConnectServer(probeCtx, serverID); err != nil {
			m.unregisterServerTools(serverID)
			m.setStatus(serverID, false, err.Error())
			return
		}
	}

	m.client.invalidateToolCache(serverID)
	if _, err := m.client.ListTools(probeCtx, serverID); err != nil {
		m.unregisterServerTools(serverID)
		m.client.Disconnect(serverID)
		m.setStatus(serverID, false, err.Error())
		return
	}

	m.mu.RLock()
	serving := m.available[serverID]
	m.mu.RUnlock()
	if !serving {
		m.registerServerTools(ctx, serverID)
	}
	m.setStatus(serverID, true, "")
}

func (m *Manager) setStatus(serverID string, healthy bool, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statuses == nil {
		m.statuses = make(map[string]*HealthStatus)
	}
	m.statuses[serverID] = &HealthStatus{
		ServerID:  serverID,
		Healthy:   healthy,
		LastCheck: time.Now(),
		Error:     errMsg,
	}
}

// Statuses returns a copy of the latest probe results.
func (m *Manager) Statuses() map[string]*HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*HealthStatus, len(m.statuses))
	for k, v := range m.statuses {
		cp := *v
		out[k] = &cp
	}
	return out
}

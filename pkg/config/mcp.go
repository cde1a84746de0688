package config

import (
	"fmt"
	"sort"
	"time"
)

// TransportType selects how an MCP server is reached.
type TransportType string

const (
	TransportTypeStdio TransportType = "stdio"
	TransportTypeHTTP  TransportType = "http"
)

// TransportConfig describes one MCP server's transport.
type TransportConfig struct {
	Type TransportType `yaml:"type"`

	// stdio
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// http
	URL         string `yaml:"url,omitempty"`
	BearerToken string `yaml:"bearer_token,omitempty"`
	VerifySSL   *bool  `yaml:"verify_ssl,omitempty"`
}

// MCPServerConfig is one entry under mcp.servers.
type MCPServerConfig struct {
	ID             string          `yaml:"-"`
	Transport      TransportConfig `yaml:"transport"`
	RequestTimeout time.Duration   `yaml:"request_timeout,omitempty"` // default 30s
	Disabled       bool            `yaml:"disabled,omitempty"`
}

// Validate checks transport completeness.
func (c *MCPServerConfig) Validate() error {
	switch c.Transport.Type {
	case TransportTypeStdio:
		if c.Transport.Command == "" {
			return fmt.Errorf("mcp server %q: stdio transport requires command", c.ID)
		}
	case TransportTypeHTTP:
		if c.Transport.URL == "" {
			return fmt.Errorf("mcp server %q: http transport requires url", c.ID)
		}
	default:
		return fmt.Errorf("mcp server %q: unsupported transport type %q", c.ID, c.Transport.Type)
	}
	return nil
}

// MCPServerRegistry is the read-mostly index of configured MCP servers.
type MCPServerRegistry struct {
	servers map[string]*MCPServerConfig
}

// NewMCPServerRegistry builds a registry from a config map.
func NewMCPServerRegistry(servers map[string]*MCPServerConfig) *MCPServerRegistry {
	if servers == nil {
		servers = make(map[string]*MCPServerConfig)
	}
	for id, cfg := range servers {
		cfg.ID = id
		if cfg.RequestTimeout <= 0 {
			cfg.RequestTimeout = 30 * time.Second
		}
	}
	return &MCPServerRegistry{servers: servers}
}

// Get retrieves a server config by id.
func (r *MCPServerRegistry) Get(id string) (*MCPServerConfig, error) {
	cfg, ok := r.servers[id]
	if !ok {
		return nil, fmt.Errorf("mcp server %q not configured", id)
	}
	return cfg, nil
}

// ServerIDs returns the sorted ids of all enabled servers.
func (r *MCPServerRegistry) ServerIDs() []string {
	ids := make([]string, 0, len(r.servers))
	for id, cfg := range r.servers {
		if !cfg.Disabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of configured servers.
func (r *MCPServerRegistry) Len() int { return len(r.servers) }

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// yamlFile is the on-disk shape of loom.yaml.
type yamlFile struct {
	Defaults  *Defaults                   `yaml:"defaults"`
	Approval  *ApprovalConfig             `yaml:"approval"`
	Sandbox   *SandboxConfig              `yaml:"sandbox"`
	RateLimit *RateLimitConfig            `yaml:"rate_limit"`
	LLM       *LLMConfig                  `yaml:"llm"`
	Server    *ServerConfig               `yaml:"server"`
	MCP       *mcpSection                 `yaml:"mcp"`
	// Legacy flat key kept for compatibility with early deployments.
	MCPServers map[string]*MCPServerConfig `yaml:"mcp_servers"`
}

type mcpSection struct {
	Servers map[string]*MCPServerConfig `yaml:"servers"`
}

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. Pipeline:
//
//  1. Read loom.yaml from configDir (missing file = builtin defaults)
//  2. Expand {{.ENV_VAR}} references
//  3. Parse YAML
//  4. Merge user values over builtin defaults
//  5. Build the MCP server registry
//  6. Validate
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := builtinDefaults()
	cfg.configDir = configDir

	path := filepath.Join(configDir, "loom.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info("No loom.yaml found, using builtin defaults")
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		var file yamlFile
		if err := yaml.Unmarshal(ExpandEnv(data), &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := merge(cfg, &file); err != nil {
			return nil, fmt.Errorf("merge configuration: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized",
		"mcp_servers", stats.MCPServers,
		"gated_tools", stats.GatedTools)
	return cfg, nil
}

// merge overlays user-provided sections onto the builtin defaults.
// User values win; zero values fall through to defaults.
func merge(cfg *Config, file *yamlFile) error {
	sections := []struct {
		dst, src any
	}{
		{cfg.Defaults, file.Defaults},
		{cfg.Approval, file.Approval},
		{cfg.Sandbox, file.Sandbox},
		{cfg.RateLimit, file.RateLimit},
		{cfg.LLM, file.LLM},
		{cfg.Server, file.Server},
	}
	for _, s := range sections {
		if s.src == nil || isNilPtr(s.src) {
			continue
		}
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return err
		}
	}

	servers := file.MCPServers
	if file.MCP != nil && file.MCP.Servers != nil {
		servers = file.MCP.Servers
	}
	if servers != nil {
		cfg.MCPServers = NewMCPServerRegistry(servers)
	}
	return nil
}

func isNilPtr(v any) bool {
	switch t := v.(type) {
	case *Defaults:
		return t == nil
	case *ApprovalConfig:
		return t == nil
	case *SandboxConfig:
		return t == nil
	case *RateLimitConfig:
		return t == nil
	case *LLMConfig:
		return t == nil
	case *ServerConfig:
		return t == nil
	}
	return false
}

// Validate checks the merged configuration for contradictions.
func (c *Config) Validate() error {
	if c.Defaults.MaxTurns < 1 {
		return fmt.Errorf("defaults.max_turns must be >= 1, got %d", c.Defaults.MaxTurns)
	}
	if c.Defaults.TimeoutSeconds < 0 {
		return fmt.Errorf("defaults.timeout_seconds must be >= 0, got %d", c.Defaults.TimeoutSeconds)
	}
	if c.Defaults.ToolTimeout > c.Defaults.RunTimeout() && c.Defaults.TimeoutSeconds > 0 {
		return fmt.Errorf("defaults.tool_timeout (%s) must not exceed the run timeout (%s)",
			c.Defaults.ToolTimeout, c.Defaults.RunTimeout())
	}
	if mode := c.Approval.Mode; mode != "auto" && mode != "manual" {
		return fmt.Errorf("approval.mode must be auto or manual, got %q", mode)
	}
	if c.RateLimit.PerMinute < 1 {
		return fmt.Errorf("rate_limit.per_minute must be >= 1, got %d", c.RateLimit.PerMinute)
	}
	if c.RateLimit.Concurrent < 1 {
		return fmt.Errorf("rate_limit.concurrent must be >= 1, got %d", c.RateLimit.Concurrent)
	}
	for _, id := range c.MCPServers.ServerIDs() {
		srv, err := c.MCPServers.Get(id)
		if err != nil {
			return err
		}
		if err := srv.Validate(); err != nil {
			return err
		}
		if srv.RequestTimeout > c.Defaults.ToolTimeout {
			return fmt.Errorf("mcp server %q: request_timeout (%s) must not exceed tool_timeout (%s)",
				id, srv.RequestTimeout, c.Defaults.ToolTimeout)
		}
	}
	return nil
}

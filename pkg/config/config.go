// Package config loads and validates the process configuration: run
// defaults, hook settings, MCP server registry, and transport knobs.
// Files are YAML; ${VAR} references are expanded from the environment
// before parsing; user values are merged over built-in defaults.
package config

import (
	"time"
)

// Config is the umbrella configuration object returned by Initialize and
// injected through the process.
type Config struct {
	configDir string

	Defaults  *Defaults        `yaml:"defaults"`
	Approval  *ApprovalConfig  `yaml:"approval"`
	Sandbox   *SandboxConfig   `yaml:"sandbox"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
	LLM       *LLMConfig       `yaml:"llm"`
	Server    *ServerConfig    `yaml:"server"`

	MCPServers *MCPServerRegistry `yaml:"-"`
}

// Defaults are the run-level knobs a session may override.
type Defaults struct {
	MaxTurns          int           `yaml:"max_turns"`
	TimeoutSeconds    int           `yaml:"timeout_seconds"`
	TokenLimit        int           `yaml:"token_limit"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
	MaxToolOutput     int           `yaml:"max_tool_output"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SystemPrompt      string        `yaml:"system_prompt"`
}

// RunTimeout returns the run deadline as a duration.
func (d *Defaults) RunTimeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// ApprovalConfig controls the approval hook.
type ApprovalConfig struct {
	Mode string `yaml:"mode"` // auto | manual
	// GatedTools lists the tools requiring approval in manual mode.
	GatedTools []string      `yaml:"gated_tools"`
	Expiry     time.Duration `yaml:"expiry"`
}

// SandboxConfig controls the sandbox hook and the file builtins.
type SandboxConfig struct {
	AllowedPaths   []string `yaml:"allowed_paths"`
	DeniedPatterns []string `yaml:"denied_patterns"`
	// ExecDenied and ExecAllowed are command names for the exec tool,
	// not path globs.
	ExecDenied  []string `yaml:"exec_denied"`
	ExecAllowed []string `yaml:"exec_allowed"`
}

// RateLimitConfig bounds tool-call throughput.
type RateLimitConfig struct {
	PerMinute  int `yaml:"per_minute"`
	Concurrent int `yaml:"concurrent"`
}

// LLMConfig selects and tunes the model backend.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // anthropic
	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	MaxRetries  int     `yaml:"max_retries"`
}

// ServerConfig holds HTTP transport settings.
type ServerConfig struct {
	Port             string        `yaml:"port"`
	AllowedWSOrigins []string      `yaml:"allowed_ws_origins"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// Stats contains statistics about loaded configuration for startup logging.
type Stats struct {
	MCPServers int
	GatedTools int
}

// Stats returns configuration statistics.
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.MCPServers != nil {
		s.MCPServers = c.MCPServers.Len()
	}
	if c.Approval != nil {
		s.GatedTools = len(c.Approval.GatedTools)
	}
	return s
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string { return c.configDir }

package config

import "time"

// builtinDefaults returns the baseline configuration user files merge over.
func builtinDefaults() *Config {
	return &Config{
		Defaults: &Defaults{
			MaxTurns:          10,
			TimeoutSeconds:    300,
			TokenLimit:        200_000,
			ToolTimeout:       30 * time.Second,
			MaxToolOutput:     64 * 1024,
			HeartbeatInterval: 10 * time.Second,
			SystemPrompt:      "You are a capable assistant with access to tools. Use them when they help.",
		},
		Approval: &ApprovalConfig{
			Mode:       "manual",
			GatedTools: []string{"write_file", "edit_file", "multi_edit", "exec"},
			Expiry:     5 * time.Minute,
		},
		Sandbox: &SandboxConfig{
			AllowedPaths:   nil, // empty = everything allowed
			DeniedPatterns: []string{"**/.ssh/**", "**/.aws/credentials", "/etc/shadow"},
		},
		RateLimit: &RateLimitConfig{
			PerMinute:  60,
			Concurrent: 8,
		},
		LLM: &LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-20250514",
			APIKeyEnv:   "ANTHROPIC_API_KEY",
			MaxTokens:   8192,
			Temperature: 0.0,
			MaxRetries:  3,
		},
		Server: &ServerConfig{
			Port:         "8080",
			WriteTimeout: 10 * time.Second,
		},
		MCPServers: NewMCPServerRegistry(nil),
	}
}

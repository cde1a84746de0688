// Loom orchestration server — provides the HTTP API, runs the per-session
// queue, and drives agentic sessions through the chat, workflow, and hybrid
// execution paths.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentloom/loom/pkg/agent"
	"github.com/agentloom/loom/pkg/api"
	"github.com/agentloom/loom/pkg/approval"
	"github.com/agentloom/loom/pkg/bus"
	"github.com/agentloom/loom/pkg/config"
	"github.com/agentloom/loom/pkg/hooks"
	"github.com/agentloom/loom/pkg/llm"
	"github.com/agentloom/loom/pkg/mcp"
	"github.com/agentloom/loom/pkg/metrics"
	"github.com/agentloom/loom/pkg/orchestrator"
	"github.com/agentloom/loom/pkg/queue"
	"github.com/agentloom/loom/pkg/recovery"
	"github.com/agentloom/loom/pkg/redact"
	"github.com/agentloom/loom/pkg/router"
	"github.com/agentloom/loom/pkg/statesync"
	"github.com/agentloom/loom/pkg/store"
	"github.com/agentloom/loom/pkg/tools"
	"github.com/agentloom/loom/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := slog.Default()

	// 1. Load configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"mcp_servers", stats.MCPServers,
		"gated_tools", stats.GatedTools,
		"approval_mode", cfg.Approval.Mode)

	// 2. Initialize the session store
	var st store.Store
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		pg, err := store.NewPostgres(ctx, databaseURL)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		st = pg
		slog.Info("Session store ready", "backend", "postgres")
	} else {
		st = store.NewMemory()
		slog.Warn("DATABASE_URL not set, sessions will not survive a restart")
	}

	// 3. Metrics and the event bus
	m := metrics.New()
	busman := bus.NewManager(cfg.Defaults.HeartbeatInterval)
	busman.OnPublish = func(ev bus.Event) { m.EventPublished(string(ev.Type)) }

	// 4. Approval manager and the hook chain
	approvals := approval.NewManager(st, cfg.Approval.Expiry, logger)
	sandbox := hooks.NewSandbox(cfg.Sandbox)
	chain := hooks.NewChain(
		sandbox,
		hooks.NewApprovalGate(approvals, cfg.Approval),
		hooks.NewRateLimit(cfg.RateLimit),
		hooks.NewAudit(logger, redact.New(nil)),
	)

	// 5. LLM client
	llmClient, err := llm.NewAnthropic(cfg.LLM, logger)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}

	// 6. Tool registry with the builtin set
	registry := tools.NewRegistry(cfg.Defaults.ToolTimeout, cfg.Defaults.MaxToolOutput)
	err = tools.RegisterBuiltins(registry, tools.BuiltinOptions{
		PathCheck: sandbox.Check,
		ExecDeny:  cfg.Sandbox.ExecDenied,
		ExecAllow: cfg.Sandbox.ExecAllowed,
		Delegate: func(ctx context.Context, prompt string) (string, error) {
			turn, err := llm.Collect(ctx, llmClient, &llm.Request{
				Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
				MaxTokens: cfg.LLM.MaxTokens,
			})
			if err != nil {
				return "", err
			}
			return turn.Text, nil
		},
	})
	if err != nil {
		slog.Error("Failed to register builtin tools", "error", err)
		os.Exit(1)
	}

	// 6a. Connect MCP servers and mount their tools
	var mcpManager *mcp.Manager
	if cfg.MCPServers != nil && cfg.MCPServers.Len() > 0 {
		mcpManager = mcp.NewManager(mcp.NewClient(cfg.MCPServers, logger), cfg.MCPServers, registry, logger)
		mcpManager.Start(ctx)
		defer mcpManager.Stop()
		slog.Info("MCP manager started", "servers", cfg.MCPServers.Len())
	}

	// 7. Execution core: loop, router, state sync, queue, recovery, orchestrator
	loop := agent.New(llmClient, st, registry, chain, cfg.Defaults, m, logger)
	state := statesync.NewManager()

	maxConcurrent := cfg.RateLimit.Concurrent
	if maxConcurrent <= 0 {
		maxConcurrent = queue.DefaultMaxConcurrent
	}
	q := queue.New(maxConcurrent, logger)

	rec := recovery.NewManager(st, state, q, logger)
	rt := router.New(llmClient, logger)
	orch := orchestrator.New(rt, loop, llmClient, st, state, rec, registry, m, logger)

	// 8. HTTP server
	srv := api.NewServer(api.Deps{
		Store:        st,
		Orchestrator: orch,
		Queue:        q,
		Approvals:    approvals,
		Recovery:     rec,
		State:        state,
		Bus:          busman,
		MCP:          mcpManager,
		Metrics:      m,
		Defaults:     cfg.Defaults,
		Server:       cfg.Server,
		Logger:       logger,
	})

	slog.Info("Loom started",
		"version", version.Full(),
		"port", cfg.Server.Port,
		"max_concurrent", maxConcurrent)

	if err := srv.Run(ctx); err != nil {
		slog.Error("HTTP server error", "error", err)
	}

	// 9. Drain in-flight runs before exit
	slog.Info("Shutting down, draining active runs")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.Shutdown(drainCtx); err != nil {
		slog.Warn("Forced shutdown with runs still active", "error", err)
	}
	slog.Info("Shutdown complete")
}

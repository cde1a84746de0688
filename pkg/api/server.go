// Package api is the HTTP control surface: REST routes for sessions, turns,
// approvals, checkpoints, and shared state, plus the WebSocket event stream
// and the health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentloom/loom/pkg/approval"
	"github.com/agentloom/loom/pkg/bus"
	"github.com/agentloom/loom/pkg/config"
	"github.com/agentloom/loom/pkg/mcp"
	"github.com/agentloom/loom/pkg/metrics"
	"github.com/agentloom/loom/pkg/orchestrator"
	"github.com/agentloom/loom/pkg/queue"
	"github.com/agentloom/loom/pkg/recovery"
	"github.com/agentloom/loom/pkg/statesync"
	"github.com/agentloom/loom/pkg/store"
)

const defaultWriteTimeout = 10 * time.Second

// Deps wires the server. MCP and Metrics may be nil.
type Deps struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Queue        *queue.Queue
	Approvals    *approval.Manager
	Recovery     *recovery.Manager
	State        *statesync.Manager
	Bus          *bus.Manager
	MCP          *mcp.Manager
	Metrics      *metrics.Metrics
	Defaults     *config.Defaults
	Server       *config.ServerConfig
	Logger       *slog.Logger
}

// Server is the HTTP transport.
type Server struct {
	Deps
	logger *slog.Logger
}

// NewServer builds the server around its dependencies.
func NewServer(d Deps) *Server {
	return &Server{Deps: d, logger: d.Logger.With("component", "api")}
}

// Router assembles the gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	if s.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}
	r.GET("/ws", s.stream)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/sessions", s.createSession)
		v1.GET("/sessions/:id", s.getSession)
		v1.DELETE("/sessions/:id", s.endSession)
		v1.GET("/sessions/:id/history", s.history)
		v1.POST("/sessions/:id/fork", s.fork)
		v1.POST("/sessions/:id/turns", s.submitTurn)
		v1.GET("/sessions/:id/state", s.getState)
		v1.POST("/sessions/:id/state", s.applyStateDiffs)
		v1.POST("/sessions/:id/checkpoints", s.createCheckpoint)
		v1.GET("/sessions/:id/checkpoints", s.listCheckpoints)
		v1.POST("/sessions/:id/checkpoints/:checkpoint_id/restore", s.restoreCheckpoint)
		v1.POST("/approvals/:id/resolve", s.resolveApproval)
		v1.POST("/runs/:id/cancel", s.cancelRun)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	port := "8080"
	if s.Server != nil && s.Server.Port != "" {
		port = s.Server.Port
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) writeTimeout() time.Duration {
	if s.Server != nil && s.Server.WriteTimeout > 0 {
		return s.Server.WriteTimeout
	}
	return defaultWriteTimeout
}

// health aggregates queue depth and MCP server health.
func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":     "ok",
		"queue_depth": s.Queue.Depth(),
	}
	if s.MCP != nil {
		statuses := s.MCP.Statuses()
		body["mcp"] = statuses
		for _, st := range statuses {
			if !st.Healthy {
				body["status"] = "degraded"
			}
		}
	}
	c.JSON(http.StatusOK, body)
}

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentloom/loom/pkg/models"
	"github.com/agentloom/loom/pkg/statesync"
)

type createSessionRequest struct {
	Name    string                `json:"name"`
	AgentID string                `json:"agent_id"`
	Config  *models.SessionConfig `json:"config"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session := &models.Session{
		ID:        uuid.New().String(),
		Name:      req.Name,
		AgentID:   req.AgentID,
		Status:    models.SessionCreated,
		CreatedAt: time.Now(),
	}
	if req.Config != nil {
		session.Config = *req.Config
	}
	if err := s.Store.CreateSession(c.Request.Context(), session); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.Store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) endSession(c *gin.Context) {
	if err := s.Store.EndSession(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

func (s *Server) history(c *gin.Context) {
	cursor, _ := strconv.Atoi(c.Query("cursor"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, next, err := s.Store.GetHistory(c.Request.Context(), c.Param("id"), cursor, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "next_cursor": next})
}

type forkRequest struct {
	Label string `json:"label"`
}

func (s *Server) fork(c *gin.Context) {
	var req forkRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	forked, err := s.Store.Fork(c.Request.Context(), c.Param("id"), req.Label)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, forked)
}

type submitTurnRequest struct {
	Text           string               `json:"text" binding:"required"`
	Mode           models.ExecutionMode `json:"mode"`
	TimeoutSeconds int                  `json:"timeout_seconds"`
}

// submitTurn enqueues a run for the session and returns its run id. The
// caller follows the run on the WebSocket stream.
func (s *Server) submitTurn(c *gin.Context) {
	var req submitTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := s.Store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if session.Status == models.SessionEnded {
		fail(c, models.NewError(models.ErrKindInvalidState, "session %s has ended", session.ID))
		return
	}
	timeout := s.Defaults.RunTimeout()
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	run := s.Bus.StartRun(session.ID)
	text := req.Text
	// req.Mode is a one-shot override: it steers this turn only and is not
	// written to the session.
	turnMode := req.Mode
	err = s.Queue.Submit(session.ID, run.ID(), timeout, func(ctx context.Context) {
		defer run.Close()
		if _, err := s.Orchestrator.ExecuteTurn(ctx, session, text, turnMode, run); err != nil {
			s.logger.Warn("Run ended with error",
				"session_id", session.ID, "run_id", run.ID(), "error", err)
		}
	})
	if err != nil {
		run.Close()
		fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":     run.ID(),
		"session_id": session.ID,
	})
}

type resolveApprovalRequest struct {
	Outcome    string `json:"outcome" binding:"required"` // approve | reject
	ResolverID string `json:"resolver_id"`
	Comment    string `json:"comment"`
}

func (s *Server) resolveApproval(c *gin.Context) {
	var req resolveApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	var err error
	switch req.Outcome {
	case "approve":
		err = s.Approvals.Approve(c.Request.Context(), id, req.ResolverID, req.Comment)
	case "reject":
		err = s.Approvals.Reject(c.Request.Context(), id, req.ResolverID, req.Comment)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome must be approve or reject"})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.ApprovalResolved(req.Outcome + "d")
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Outcome + "d"})
}

func (s *Server) cancelRun(c *gin.Context) {
	runID := c.Param("id")
	if !s.Queue.Cancel(runID) {
		fail(c, models.NewError(models.ErrKindNotFound, "run %s not found", runID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

type createCheckpointRequest struct {
	Label string `json:"label"`
}

func (s *Server) createCheckpoint(c *gin.Context) {
	var req createCheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cp, err := s.Recovery.CreateCheckpoint(c.Request.Context(), c.Param("id"), req.Label, nil)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cp)
}

func (s *Server) listCheckpoints(c *gin.Context) {
	cps, err := s.Recovery.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps})
}

func (s *Server) restoreCheckpoint(c *gin.Context) {
	cp, err := s.Recovery.Restore(c.Request.Context(), c.Param("id"), c.Param("checkpoint_id"), nil)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cp)
}

func (s *Server) getState(c *gin.Context) {
	value, version := s.State.Document(c.Param("id")).Snapshot()
	c.JSON(http.StatusOK, gin.H{"value": value, "version": version})
}

type stateDiffsRequest struct {
	BaseVersion int64                  `json:"base_version"`
	Diffs       []statesync.ClientDiff `json:"diffs" binding:"required"`
}

// applyStateDiffs submits client-predicted mutations. Deltas and conflict
// frames land on the session's active run stream when one exists.
func (s *Server) applyStateDiffs(c *gin.Context) {
	var req stateDiffsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := c.Param("id")
	if _, err := s.Store.GetSession(c.Request.Context(), sessionID); err != nil {
		fail(c, err)
		return
	}

	res, err := s.State.ApplyClient(sessionID, nil, req.BaseVersion, req.Diffs)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied":   res.Applied,
		"conflicts": res.Conflicts,
		"version":   res.Version,
	})
}

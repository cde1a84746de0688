package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/agentloom/loom/pkg/bus"
)

// stream upgrades the connection and forwards one run's event sequence as
// JSON frames. A last_seq query parameter resumes the stream: retained
// events after that sequence number replay first, then live events follow
// without gaps or duplicates. Subscribers always receive a state_snapshot
// before any state_delta.
func (s *Server) stream(c *gin.Context) {
	runID := c.Query("run_id")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run_id is required"})
		return
	}
	run, ok := s.Bus.Get(runID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found or already finished"})
		return
	}

	lastSeq, _ := strconv.ParseInt(c.Query("last_seq"), 10, 64)

	opts := &websocket.AcceptOptions{}
	if s.Server != nil && len(s.Server.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.Server.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	ctx := c.Request.Context()

	// Subscribe before replaying so nothing published in between is lost;
	// replayed sequence numbers are skipped in the live feed.
	events, unsubscribe := run.Subscribe(0)
	defer unsubscribe()

	if err := s.sendSnapshot(ctx, conn, run); err != nil {
		return
	}

	replayed := lastSeq
	for _, ev := range run.ReplaySince(lastSeq) {
		if err := s.writeFrame(ctx, conn, ev); err != nil {
			return
		}
		replayed = ev.Seq
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Seq <= replayed {
				continue
			}
			if err := s.writeFrame(ctx, conn, ev); err != nil {
				return
			}
			if ev.Type == bus.TypeRunFinished || ev.Type == bus.TypeRunError {
				return
			}
		}
	}
}

// sendSnapshot delivers the shared-state document as the stream's opening
// frame. It rides outside the run's sequence numbering (seq 0).
func (s *Server) sendSnapshot(ctx context.Context, conn *websocket.Conn, run *bus.Run) error {
	value, version := s.State.Document(run.SessionID()).Snapshot()
	ev := bus.Event{
		Type:      bus.TypeStateSnapshot,
		RunID:     run.ID(),
		SessionID: run.SessionID(),
		Timestamp: time.Now(),
		Payload:   bus.StateSnapshot{Value: value, Version: version},
	}
	return s.writeFrame(ctx, conn, ev)
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	frame, err := ev.MarshalFrame()
	if err != nil {
		s.logger.Error("Failed to marshal frame", "type", ev.Type, "error", err)
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout())
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}

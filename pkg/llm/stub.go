package llm

import (
	"context"
	"sync"
	"time"

	"github.com/agentloom/loom/pkg/models"
)

// StubTurn scripts one completion for the Stub client.
type StubTurn struct {
	Text     string
	ToolUses []ToolUse
	Usage    Usage
	Err      error
	// Delay holds the stream open before the first chunk; lets tests race
	// cancellation against an in-flight completion.
	Delay time.Duration
}

// Stub is a scripted Client. Each StreamChat call consumes the next turn,
// streaming its text in two deltas and its tool uses as start/delta/stop
// triples, the same shape the real provider produces. Calls beyond the
// script fail with llm_unavailable.
type Stub struct {
	mu       sync.Mutex
	turns    []StubTurn
	Requests []*Request
}

// NewStub builds a client that replays the given turns in order.
func NewStub(turns ...StubTurn) *Stub {
	return &Stub{turns: turns}
}

// StreamChat implements Client.
func (s *Stub) StreamChat(ctx context.Context, req *Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errs := make(chan error, 1)

	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	var turn StubTurn
	exhausted := len(s.turns) == 0
	if !exhausted {
		turn = s.turns[0]
		s.turns = s.turns[1:]
	}
	s.mu.Unlock()

	go func() {
		defer close(chunks)
		defer close(errs)

		if exhausted {
			errs <- models.NewError(models.ErrKindLLMUnavailable, "scripted client has no turns left")
			return
		}
		if turn.Delay > 0 {
			select {
			case <-time.After(turn.Delay):
			case <-ctx.Done():
				errs <- models.WrapError(models.ErrKindCancelled, ctx.Err(), "scripted stream interrupted")
				return
			}
		}
		if turn.Err != nil {
			errs <- turn.Err
			return
		}

		emit := func(c Chunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				errs <- models.WrapError(models.ErrKindCancelled, ctx.Err(), "scripted stream interrupted")
				return false
			}
		}

		if turn.Text != "" {
			half := len(turn.Text) / 2
			if half > 0 {
				if !emit(Chunk{Kind: ChunkTextDelta, Text: turn.Text[:half]}) {
					return
				}
			}
			if !emit(Chunk{Kind: ChunkTextDelta, Text: turn.Text[half:]}) {
				return
			}
		}
		for _, tu := range turn.ToolUses {
			if !emit(Chunk{Kind: ChunkToolUseStart, ToolID: tu.ID, ToolName: tu.Name}) {
				return
			}
			if len(tu.Args) > 0 {
				if !emit(Chunk{Kind: ChunkToolUseDelta, ToolID: tu.ID, ArgsDelta: string(tu.Args)}) {
					return
				}
			}
			args := tu.Args
			if len(args) == 0 {
				args = []byte("{}")
			}
			if !emit(Chunk{Kind: ChunkToolUseStop, ToolID: tu.ID, ToolName: tu.Name, Args: args}) {
				return
			}
		}
		if turn.Usage != (Usage{}) {
			usage := turn.Usage
			if !emit(Chunk{Kind: ChunkUsage, Usage: &usage}) {
				return
			}
		}

		reason := StopEndTurn
		if len(turn.ToolUses) > 0 {
			reason = StopToolUse
		}
		emit(Chunk{Kind: ChunkStop, StopReason: reason})
	}()

	return chunks, errs
}

var _ Client = (*Stub)(nil)

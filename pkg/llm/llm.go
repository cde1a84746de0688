// Package llm defines the minimal chat-streaming capability the run loop
// consumes, plus the Anthropic-backed implementation. The interface carries
// exactly what the loop needs: text deltas, tool-use blocks as they assemble,
// usage counts, and a stop reason.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/agentloom/loom/pkg/models"
)

// Message roles on the provider wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Stop reasons surfaced by ChunkStop.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ToolUse is one tool invocation requested by the model.
type ToolUse struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult feeds one executed tool call back to the model.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// Message is one conversation entry in provider-neutral form. Assistant
// messages may carry ToolUses; user messages may carry ToolResults.
type Message struct {
	Role        string
	Content     string
	ToolUses    []ToolUse
	ToolResults []ToolResult
}

// ToolSpec advertises one tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one streamed chat completion.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// ChunkKind discriminates the streamed chunk union.
type ChunkKind string

const (
	ChunkTextDelta    ChunkKind = "text_delta"
	ChunkToolUseStart ChunkKind = "tool_use_start"
	ChunkToolUseDelta ChunkKind = "tool_use_delta"
	ChunkToolUseStop  ChunkKind = "tool_use_stop"
	ChunkUsage        ChunkKind = "usage"
	ChunkStop         ChunkKind = "stop"
)

// Usage is the token count reported by the provider for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Chunk is one element of the completion stream. Which fields are set
// depends on Kind: Text for text_delta; ToolID/ToolName for tool_use_start;
// ToolID/ArgsDelta for tool_use_delta; ToolID/ToolName/Args for
// tool_use_stop; Usage for usage; StopReason for stop.
type Chunk struct {
	Kind       ChunkKind
	Text       string
	ToolID     string
	ToolName   string
	ArgsDelta  string
	Args       json.RawMessage
	Usage      *Usage
	StopReason string
}

// Client is the injected chat capability. The chunk channel closes when the
// stream ends; the error channel delivers at most one terminal error after
// that. A nil error with a closed chunk channel means clean completion.
type Client interface {
	StreamChat(ctx context.Context, req *Request) (<-chan Chunk, <-chan error)
}

// Turn is a fully drained completion, for callers that do not need
// incremental delivery (intent classification, workflow planning).
type Turn struct {
	Text       string
	ToolUses   []ToolUse
	Usage      Usage
	StopReason string
}

// Collect drains one StreamChat call into a Turn.
func Collect(ctx context.Context, client Client, req *Request) (*Turn, error) {
	chunks, errs := client.StreamChat(ctx, req)

	var text strings.Builder
	turn := &Turn{}
	for chunk := range chunks {
		switch chunk.Kind {
		case ChunkTextDelta:
			text.WriteString(chunk.Text)
		case ChunkToolUseStop:
			turn.ToolUses = append(turn.ToolUses, ToolUse{
				ID:   chunk.ToolID,
				Name: chunk.ToolName,
				Args: chunk.Args,
			})
		case ChunkUsage:
			if chunk.Usage != nil {
				turn.Usage.InputTokens += chunk.Usage.InputTokens
				turn.Usage.OutputTokens += chunk.Usage.OutputTokens
			}
		case ChunkStop:
			turn.StopReason = chunk.StopReason
		}
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, models.WrapError(models.ErrKindCancelled, err, "chat collection interrupted")
	}
	turn.Text = text.String()
	return turn, nil
}

package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/cenkalti/backoff/v4"

	"github.com/agentloom/loom/pkg/config"
	"github.com/agentloom/loom/pkg/models"
)

const defaultMaxTokens = 4096

// Anthropic implements Client on the Anthropic Messages streaming API.
// Safe for concurrent use; each StreamChat call owns its own stream.
type Anthropic struct {
	client     anthropic.Client
	model      string
	maxTokens  int
	maxRetries int
	logger     *slog.Logger
}

// NewAnthropic builds the provider from configuration. The API key is read
// from the configured environment variable, never from the config file.
func NewAnthropic(cfg *config.LLMConfig, logger *slog.Logger) (*Anthropic, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, models.NewError(models.ErrKindValidation, "environment variable %s is not set", cfg.APIKeyEnv)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Anthropic{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:      cfg.Model,
		maxTokens:  maxTokens,
		maxRetries: maxRetries,
		logger:     logger.With("component", "llm"),
	}, nil
}

// StreamChat opens one streamed completion. Transport failures while opening
// the stream are retried under the backoff budget; once the first event has
// arrived the stream is committed and mid-stream failures surface as a
// terminal error.
func (a *Anthropic) StreamChat(ctx context.Context, req *Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		params, err := a.buildParams(req)
		if err != nil {
			errs <- err
			return
		}

		stream, err := a.openStream(ctx, params)
		if err != nil {
			errs <- err
			return
		}
		defer func() { _ = stream.Close() }()

		if err := a.pump(ctx, stream, chunks); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

// openStream creates the SSE stream, retrying transient failures.
func (a *Anthropic) openStream(ctx context.Context, params anthropic.MessageNewParams) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	attempt := 0

	op := func() error {
		attempt++
		stream = a.client.Messages.NewStreaming(ctx, params)
		if err := stream.Err(); err != nil {
			if retryableTransportError(err) {
				a.logger.Warn("llm stream open failed, retrying", "attempt", attempt, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(newRetryPolicy(a.maxRetries), ctx))
	if err == nil {
		return stream, nil
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return nil, models.WrapError(models.ErrKindLLMTimeout, err, "llm request exceeded its deadline")
	case ctx.Err() == context.Canceled:
		return nil, models.WrapError(models.ErrKindCancelled, err, "llm request cancelled")
	case isRateLimit(err):
		return nil, models.WrapError(models.ErrKindRateLimited, err, "llm provider throttled the request")
	default:
		return nil, models.WrapError(models.ErrKindLLMUnavailable, err, "llm transport failed after %d attempts", attempt)
	}
}

// toolAccum assembles one tool_use block across delta events.
type toolAccum struct {
	id   string
	name string
	json strings.Builder
}

func (t *toolAccum) args() json.RawMessage {
	raw := strings.TrimSpace(t.json.String())
	if raw == "" {
		raw = "{}"
	}
	return json.RawMessage(raw)
}

// pump converts SSE events into chunks until message_stop or stream failure.
func (a *Anthropic) pump(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk) error {
	active := make(map[int]*toolAccum)
	var inputTokens, outputTokens int
	var stopReason string

	emit := func(c Chunk) error {
		select {
		case chunks <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			inputTokens = int(ev.Message.Usage.InputTokens)

		case anthropic.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				active[int(ev.Index)] = &toolAccum{id: tu.ID, name: tu.Name}
				if err := emit(Chunk{Kind: ChunkToolUseStart, ToolID: tu.ID, ToolName: tu.Name}); err != nil {
					return wrapStreamInterrupt(err)
				}
			}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				if err := emit(Chunk{Kind: ChunkTextDelta, Text: delta.Text}); err != nil {
					return wrapStreamInterrupt(err)
				}
			case anthropic.InputJSONDelta:
				acc := active[int(ev.Index)]
				if acc == nil || delta.PartialJSON == "" {
					continue
				}
				acc.json.WriteString(delta.PartialJSON)
				if err := emit(Chunk{Kind: ChunkToolUseDelta, ToolID: acc.id, ArgsDelta: delta.PartialJSON}); err != nil {
					return wrapStreamInterrupt(err)
				}
			}

		case anthropic.ContentBlockStopEvent:
			if acc := active[int(ev.Index)]; acc != nil {
				delete(active, int(ev.Index))
				if err := emit(Chunk{Kind: ChunkToolUseStop, ToolID: acc.id, ToolName: acc.name, Args: acc.args()}); err != nil {
					return wrapStreamInterrupt(err)
				}
			}

		case anthropic.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			outputTokens = int(ev.Usage.OutputTokens)
			if err := emit(Chunk{Kind: ChunkUsage, Usage: &Usage{InputTokens: inputTokens, OutputTokens: outputTokens}}); err != nil {
				return wrapStreamInterrupt(err)
			}

		case anthropic.MessageStopEvent:
			return emitStop(emit, stopReason)
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return models.WrapError(models.ErrKindLLMTimeout, err, "llm stream exceeded its deadline")
		}
		if ctx.Err() == context.Canceled {
			return models.WrapError(models.ErrKindCancelled, err, "llm stream cancelled")
		}
		return models.WrapError(models.ErrKindLLMUnavailable, err, "llm stream failed")
	}
	// Stream ended without message_stop; treat as a clean end of turn.
	return emitStop(emit, stopReason)
}

func emitStop(emit func(Chunk) error, stopReason string) error {
	if stopReason == "" {
		stopReason = StopEndTurn
	}
	if err := emit(Chunk{Kind: ChunkStop, StopReason: stopReason}); err != nil {
		return wrapStreamInterrupt(err)
	}
	return nil
}

func wrapStreamInterrupt(err error) error {
	if err == context.DeadlineExceeded {
		return models.WrapError(models.ErrKindLLMTimeout, err, "llm stream exceeded its deadline")
	}
	return models.WrapError(models.ErrKindCancelled, err, "llm stream interrupted")
}

// buildParams converts the provider-neutral request to SDK parameters.
func (a *Anthropic) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolUseID, tr.Content, tr.IsError))
		}
		for _, tu := range msg.ToolUses {
			var input map[string]any
			if err := json.Unmarshal(tu.Args, &input); err != nil {
				return nil, models.WrapError(models.ErrKindValidation, err, "tool use %s carries invalid arguments", tu.ID)
			}
			content = append(content, anthropic.NewToolUseBlock(tu.ID, input, tu.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(specs []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(spec.Schema, &schema); err != nil {
			return nil, models.WrapError(models.ErrKindValidation, err, "tool %s has an invalid schema", spec.Name)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if tool.OfTool == nil {
			return nil, models.NewError(models.ErrKindValidation, "tool %s produced no definition", spec.Name)
		}
		tool.OfTool.Description = anthropic.String(spec.Description)
		result = append(result, tool)
	}
	return result, nil
}

var _ Client = (*Anthropic)(nil)

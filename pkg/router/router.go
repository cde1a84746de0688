// Package router classifies a user turn into an execution mode. The pipeline
// runs a keyword rule pass, then a capability detector, then an LLM fallback;
// low-confidence results fall back to the session's prior dominant mode.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/agentloom/loom/pkg/llm"
	"github.com/agentloom/loom/pkg/models"
)

// ConfidenceThreshold separates a determined classification from a fallback
// to the session default.
const ConfidenceThreshold = 0.7

const ruleConfidence = 0.95

// Intent is one turn's classification.
type Intent struct {
	Mode         models.ExecutionMode `json:"mode"`
	Confidence   float64              `json:"confidence"`
	Reason       string               `json:"reason"`
	Capabilities []string             `json:"capabilities_matched,omitempty"`
	Complexity   float64              `json:"complexity"`
}

// ruleClasses is the ordered keyword pass. Earlier classes win; within a
// class the first matching keyword names the reason.
var ruleClasses = []struct {
	mode     models.ExecutionMode
	keywords []string
}{
	{models.ModeWorkflow, []string{
		"step by step", "step-by-step", "plan and execute", "multi-step",
		"in stages", "one step at a time", "run the pipeline", "orchestrate",
		"workflow", "checklist",
	}},
	{models.ModeHybrid, []string{
		"investigate and fix", "diagnose and repair", "research then",
		"figure out and", "explore and then",
	}},
	{models.ModeChat, []string{
		"what is", "what are", "explain", "tell me", "summarize",
		"how does", "why does", "define",
	}},
}

// capabilityKeywords drives the workflow-exclusive capability detector.
var capabilityKeywords = map[string][]string{
	"multi_agent": {"multiple agents", "delegate", "subtask", "in parallel", "fan out"},
	"planning":    {"plan", "phases", "roadmap", "milestones", "break down", "sequence of steps"},
	"persistence": {"checkpoint", "resume later", "save progress", "long-running", "pick up where"},
}

// Router runs the classification pipeline. The LLM client is optional; when
// nil the neural fallback is skipped and unmatched turns go straight to the
// session default.
type Router struct {
	llm    llm.Client
	logger *slog.Logger
}

// New creates a router.
func New(client llm.Client, logger *slog.Logger) *Router {
	return &Router{llm: client, logger: logger.With("component", "router")}
}

// Classify runs the pipeline for one user turn. It never fails: an LLM error
// in the fallback degrades to the session default.
func (r *Router) Classify(ctx context.Context, session *models.Session, text string) *Intent {
	lower := strings.ToLower(text)
	caps := matchCapabilities(lower)

	intent := r.classify(ctx, lower, text, caps)
	intent.Capabilities = caps
	if intent.Complexity == 0 {
		intent.Complexity = estimateComplexity(lower, caps)
	}

	if intent.Confidence < ConfidenceThreshold {
		prior := session.LastMode
		if prior == "" {
			prior = models.ModeChat
		}
		intent = &Intent{
			Mode:         prior,
			Confidence:   intent.Confidence,
			Reason:       fmt.Sprintf("low confidence, defaulting to prior dominant mode %s", prior),
			Capabilities: caps,
			Complexity:   intent.Complexity,
		}
	}

	r.logger.Debug("Classified turn",
		"session_id", session.ID,
		"mode", intent.Mode,
		"confidence", intent.Confidence,
		"reason", intent.Reason)
	return intent
}

func (r *Router) classify(ctx context.Context, lower, original string, caps []string) *Intent {
	// 1. Keyword rules.
	for _, class := range ruleClasses {
		for _, kw := range class.keywords {
			if strings.Contains(lower, kw) {
				return &Intent{
					Mode:       class.mode,
					Confidence: ruleConfidence,
					Reason:     fmt.Sprintf("matched keyword %q", kw),
				}
			}
		}
	}

	// 2. Workflow-exclusive capabilities pin the class.
	if n := len(caps); n > 0 {
		conf := 0.6 + 0.1*float64(n)
		if conf > ruleConfidence {
			conf = ruleConfidence
		}
		return &Intent{
			Mode:       models.ModeWorkflow,
			Confidence: conf,
			Reason:     fmt.Sprintf("workflow capabilities detected: %s", strings.Join(caps, ", ")),
		}
	}

	// 3. Neural fallback.
	if r.llm != nil {
		if intent, err := r.neural(ctx, original); err == nil {
			return intent
		} else {
			r.logger.Warn("Neural classification failed", "error", err)
		}
	}

	return &Intent{Confidence: 0, Reason: "no classifier fired"}
}

// WorkflowCapabilities reports the workflow-exclusive capabilities present
// in a piece of text. The orchestrator uses it to promote a hybrid turn.
func WorkflowCapabilities(text string) []string {
	return matchCapabilities(strings.ToLower(text))
}

func matchCapabilities(lower string) []string {
	var out []string
	for capability, keywords := range capabilityKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				out = append(out, capability)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// estimateComplexity is a cheap monotone heuristic over request length and
// detected capabilities, clamped to [0, 1].
func estimateComplexity(lower string, caps []string) float64 {
	c := float64(len(lower))/800.0 + 0.2*float64(len(caps))
	if c > 1 {
		c = 1
	}
	return c
}

const classifierPrompt = `You classify a user request for an agent runtime.
Respond with a single JSON object and nothing else:
{"mode": "chat"|"workflow"|"hybrid", "confidence": 0.0-1.0, "reason": "...", "complexity": 0.0-1.0}
"workflow" means the request needs a planned multi-step execution.
"chat" means a direct conversational answer or a short tool-assisted task.
"hybrid" means it starts conversational but may need workflow execution.`

type neuralVerdict struct {
	Mode       string  `json:"mode"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Complexity float64 `json:"complexity"`
}

func (r *Router) neural(ctx context.Context, text string) (*Intent, error) {
	turn, err := llm.Collect(ctx, r.llm, &llm.Request{
		System:    classifierPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: text}},
		MaxTokens: 256,
	})
	if err != nil {
		return nil, err
	}

	var verdict neuralVerdict
	if err := json.Unmarshal([]byte(stripFences(turn.Text)), &verdict); err != nil {
		return nil, fmt.Errorf("parsing classifier response: %w", err)
	}

	mode := models.ExecutionMode(verdict.Mode)
	switch mode {
	case models.ModeChat, models.ModeWorkflow, models.ModeHybrid:
	default:
		return nil, fmt.Errorf("classifier returned unknown mode %q", verdict.Mode)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return nil, fmt.Errorf("classifier confidence %v out of range", verdict.Confidence)
	}

	return &Intent{
		Mode:       mode,
		Confidence: verdict.Confidence,
		Reason:     "llm: " + verdict.Reason,
		Complexity: clamp01(verdict.Complexity),
	}, nil
}

// stripFences removes a markdown code fence if the model wrapped its JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

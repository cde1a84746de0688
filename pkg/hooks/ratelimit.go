package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentloom/loom/pkg/config"
	"github.com/agentloom/loom/pkg/models"
)

// RateLimit bounds tool-call throughput with a sliding one-minute window and
// a concurrent-execution gauge. The concurrency slot taken at on_tool_call
// is returned at on_tool_result.
type RateLimit struct {
	perMinute int
	window    time.Duration
	sem       *semaphore.Weighted
	now       func() time.Time

	mu    sync.Mutex
	calls []time.Time
}

// NewRateLimit builds the hook from configuration.
func NewRateLimit(cfg *config.RateLimitConfig) *RateLimit {
	return &RateLimit{
		perMinute: cfg.PerMinute,
		window:    time.Minute,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrent)),
		now:       time.Now,
	}
}

func (r *RateLimit) Kind() string  { return "rate_limit" }
func (r *RateLimit) Priority() int { return 80 }

func (r *RateLimit) OnToolCall(_ context.Context, call *CallContext) Result {
	if !r.admit() {
		return Reject(models.ErrKindRateLimited,
			fmt.Sprintf("tool-call rate exceeds %d per minute", r.perMinute))
	}
	if !r.sem.TryAcquire(1) {
		r.forget()
		return Reject(models.ErrKindRateLimited, "too many concurrent tool calls")
	}
	return Allow()
}

// OnToolResult returns the concurrency slot.
func (r *RateLimit) OnToolResult(context.Context, *CallContext, error) {
	r.sem.Release(1)
}

// admit records the call time if the sliding window has room.
func (r *RateLimit) admit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-r.window)
	kept := r.calls[:0]
	for _, t := range r.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.calls = kept
	if len(r.calls) >= r.perMinute {
		return false
	}
	r.calls = append(r.calls, now)
	return true
}

// forget drops the most recent admission after a concurrency reject, so a
// refused call does not consume window budget.
func (r *RateLimit) forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) > 0 {
		r.calls = r.calls[:len(r.calls)-1]
	}
}

var _ ResultObserver = (*RateLimit)(nil)

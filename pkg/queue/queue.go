// Package queue serializes runs per session and bounds run concurrency
// across sessions. One run per session executes at a time; concurrent
// submissions for the same session queue in FIFO order. Every queued run is
// registered in a cancel registry so clients can abort it by run id, whether
// it is executing or still waiting.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentloom/loom/pkg/models"
)

// DefaultMaxConcurrent bounds simultaneously executing runs when the
// configured limit is not positive.
const DefaultMaxConcurrent = 16

// Task is one run body. The context carries the run's deadline and is
// cancelled on client abort or shutdown.
type Task func(ctx context.Context)

type job struct {
	runID  string
	task   Task
	ctx    context.Context
	cancel context.CancelFunc
}

type sessionQueue struct {
	pending []*job
	running bool
}

// Queue is the run scheduler.
type Queue struct {
	root     context.Context
	rootStop context.CancelFunc
	sem      chan struct{}
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionQueue
	cancels  map[string]context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

// New creates a queue. maxConcurrent <= 0 selects the default bound.
func New(maxConcurrent int, logger *slog.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	root, stop := context.WithCancel(context.Background())
	return &Queue{
		root:     root,
		rootStop: stop,
		sem:      make(chan struct{}, maxConcurrent),
		logger:   logger.With("component", "queue"),
		sessions: make(map[string]*sessionQueue),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Submit enqueues a run for its session. The task executes on the session's
// serial lane under the global concurrency bound, with a context bounded by
// timeout (0 = no deadline). Returns invalid_state after Shutdown.
func (q *Queue) Submit(sessionID, runID string, timeout time.Duration, task Task) error {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(q.root, timeout)
	} else {
		ctx, cancel = context.WithCancel(q.root)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		cancel()
		return models.NewError(models.ErrKindInvalidState, "queue is shut down")
	}
	if _, exists := q.cancels[runID]; exists {
		q.mu.Unlock()
		cancel()
		return models.NewError(models.ErrKindAlreadyExists, "run %s already queued", runID)
	}
	q.cancels[runID] = cancel

	sq, ok := q.sessions[sessionID]
	if !ok {
		sq = &sessionQueue{}
		q.sessions[sessionID] = sq
	}
	sq.pending = append(sq.pending, &job{runID: runID, task: task, ctx: ctx, cancel: cancel})
	q.wg.Add(1)

	start := !sq.running
	if start {
		sq.running = true
	}
	q.mu.Unlock()

	if start {
		go q.drain(sessionID)
	}
	return nil
}

// drain executes the session's lane until its queue empties.
func (q *Queue) drain(sessionID string) {
	for {
		q.mu.Lock()
		sq := q.sessions[sessionID]
		if len(sq.pending) == 0 {
			sq.running = false
			delete(q.sessions, sessionID)
			q.mu.Unlock()
			return
		}
		j := sq.pending[0]
		sq.pending = sq.pending[1:]
		q.mu.Unlock()

		q.sem <- struct{}{}
		q.run(j)
		<-q.sem
	}
}

func (q *Queue) run(j *job) {
	defer q.wg.Done()
	defer func() {
		j.cancel()
		q.mu.Lock()
		delete(q.cancels, j.runID)
		q.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Run task panicked", "run_id", j.runID, "panic", r)
		}
	}()
	j.task(j.ctx)
}

// Cancel aborts a queued or executing run. Returns false for unknown ids.
func (q *Queue) Cancel(runID string) bool {
	q.mu.Lock()
	cancel, ok := q.cancels[runID]
	q.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Busy reports whether the session has a run executing or queued.
func (q *Queue) Busy(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.sessions[sessionID]
	return ok && (sq.running || len(sq.pending) > 0)
}

// Depth returns the number of runs executing or queued across all sessions.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cancels)
}

// Shutdown stops accepting runs and waits for in-flight ones to drain. When
// ctx expires first, every remaining run is cancelled and ctx's error is
// returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.rootStop()
		return nil
	case <-ctx.Done():
		q.rootStop()
		<-done
		return ctx.Err()
	}
}

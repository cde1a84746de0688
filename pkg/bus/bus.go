package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentloom/loom/pkg/models"
)

const (
	// DefaultSubscriberBuffer bounds each subscriber channel. A subscriber
	// that falls this far behind is dropped, not blocked on.
	DefaultSubscriberBuffer = 256

	// DefaultHeartbeatInterval is how long a run may stay quiet before a
	// heartbeat frame is emitted.
	DefaultHeartbeatInterval = 10 * time.Second

	// retainedLimit caps the per-run replay buffer used for stream resume.
	// Runs that publish more frames than this stop retaining: resume still
	// works for the retained prefix, but later frames are live-only.
	retainedLimit = 4096

	// overflowNotifyTimeout bounds the best-effort delivery of the final
	// stream_overflow frame to a dropped subscriber.
	overflowNotifyTimeout = 2 * time.Second
)

// Manager tracks the live runs of this process.
type Manager struct {
	mu       sync.RWMutex
	runs     map[string]*Run
	interval time.Duration

	// OnPublish, when set, observes every published event (metrics).
	OnPublish func(Event)
}

// NewManager creates a run manager. heartbeatInterval <= 0 selects the default.
func NewManager(heartbeatInterval time.Duration) *Manager {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Manager{
		runs:     make(map[string]*Run),
		interval: heartbeatInterval,
	}
}

// StartRun allocates a run id and begins its event sequence.
func (m *Manager) StartRun(sessionID string) *Run {
	r := &Run{
		id:          uuid.New().String(),
		sessionID:   sessionID,
		subscribers: make(map[string]*subscriber),
		lastPublish: time.Now(),
		startedAt:   time.Now(),
		stopHB:      make(chan struct{}),
		manager:     m,
	}

	m.mu.Lock()
	m.runs[r.id] = r
	m.mu.Unlock()

	go r.heartbeatLoop(m.interval)
	return r
}

// Get returns a live run by id.
func (m *Manager) Get(runID string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	return r, ok
}

// remove drops a finished run from the index.
func (m *Manager) remove(runID string) {
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
}

// Run is one run's ordered event sequence and its subscriber set.
type Run struct {
	id        string
	sessionID string
	manager   *Manager

	mu          sync.Mutex
	seq         int64
	subscribers map[string]*subscriber
	retained    []Event
	closed      bool

	lastPublish time.Time
	startedAt   time.Time
	hbCount     int
	stopHB      chan struct{}
	stopHBOnce  sync.Once
}

type subscriber struct {
	id string
	ch chan Event
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// SessionID returns the owning session id.
func (r *Run) SessionID() string { return r.sessionID }

// Publish assigns the next sequence number to the payload and fans it out.
// Returns the enveloped event. Publishing to a closed run is a no-op.
func (r *Run) Publish(p Payload) Event {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Event{}
	}
	r.seq++
	ev := Event{
		Type:      p.EventType(),
		RunID:     r.id,
		SessionID: r.sessionID,
		Seq:       r.seq,
		Timestamp: time.Now(),
		Payload:   p,
	}
	r.lastPublish = ev.Timestamp
	if len(r.retained) < retainedLimit {
		r.retained = append(r.retained, ev)
	}

	// Fan out without blocking; a full buffer drops the subscriber.
	var dropped []*subscriber
	for id, sub := range r.subscribers {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
			delete(r.subscribers, id)
		}
	}
	r.mu.Unlock()

	for _, sub := range dropped {
		go notifyOverflow(sub, r.id, r.sessionID, ev.Seq)
	}

	if r.manager != nil && r.manager.OnPublish != nil {
		r.manager.OnPublish(ev)
	}
	return ev
}

// notifyOverflow delivers a single stream_overflow error to a dropped
// subscriber, best effort, then closes its channel.
func notifyOverflow(sub *subscriber, runID, sessionID string, seq int64) {
	ev := Event{
		Type:      TypeRunError,
		RunID:     runID,
		SessionID: sessionID,
		Seq:       seq,
		Timestamp: time.Now(),
		Payload: RunError{
			Kind:    models.ErrKindStreamOverflow,
			Message: "subscriber buffer overflow; stream dropped",
		},
	}
	select {
	case sub.ch <- ev:
	case <-time.After(overflowNotifyTimeout):
		slog.Warn("Dropped overflowing subscriber without notification",
			"run_id", runID, "subscriber", sub.id)
	}
	close(sub.ch)
}

// Subscribe attaches a consumer. buffer <= 0 selects the default bound.
// The returned cancel detaches and closes the channel; it is idempotent.
func (r *Run) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscriber{id: uuid.New().String(), ch: make(chan Event, buffer)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	r.subscribers[sub.id] = sub
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			if _, ok := r.subscribers[sub.id]; ok {
				delete(r.subscribers, sub.id)
				close(sub.ch)
			}
			r.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// ReplaySince returns retained events with Seq > afterSeq, for resume.
// Retention is bounded by retainedLimit; frames published past the bound
// are never replayed, so very long runs may resume with a gap after the
// retained prefix.
func (r *Run) ReplaySince(afterSeq int64) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.retained {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Seq returns the last assigned sequence number.
func (r *Run) Seq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Close ends the sequence: subscriber channels are closed, the heartbeat
// stops, and the run is removed from its manager.
func (r *Run) Close() {
	r.stopHBOnce.Do(func() { close(r.stopHB) })

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, sub := range r.subscribers {
		close(sub.ch)
		delete(r.subscribers, id)
	}
	r.mu.Unlock()

	if r.manager != nil {
		r.manager.remove(r.id)
	}
}

// heartbeatLoop emits a heartbeat frame whenever the run stays quiet for a
// full interval. Stops when the run closes.
func (r *Run) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopHB:
			return
		case <-ticker.C:
			r.mu.Lock()
			quiet := time.Since(r.lastPublish) >= interval
			closed := r.closed
			if quiet && !closed {
				r.hbCount++
			}
			count := r.hbCount
			elapsed := time.Since(r.startedAt)
			r.mu.Unlock()
			if closed {
				return
			}
			if quiet {
				r.Publish(Heartbeat(count, elapsed, "active"))
			}
		}
	}
}

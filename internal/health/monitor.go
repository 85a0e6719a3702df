// Package health aggregates daemon and per-handler counters into
// point-in-time snapshots.
//
// Monitor never does I/O. Writers take one short lock per update and
// Snapshot holds the same lock only while copying, so status readers never
// stall workers for longer than a map copy.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/vaultd/internal/cache"
	"github.com/mschirtzinger/vaultd/internal/handler"
)

// HandlerStats are the counters kept per handler name.
type HandlerStats struct {
	Invocations   uint64        `json:"invocations"`
	Successes     uint64        `json:"successes"`
	Failures      uint64        `json:"failures"`
	Timeouts      uint64        `json:"timeouts"`
	Panics        uint64        `json:"panics"`
	Skipped       uint64        `json:"skipped"`
	LastInvokedAt time.Time     `json:"last_invoked_at,omitempty"`
	LastDuration  time.Duration `json:"last_duration_ns"`
	TotalDuration time.Duration `json:"total_duration_ns"`
	LastError     string        `json:"last_error,omitempty"`
}

// Snapshot is a consistent copy of everything the monitor knows.
type Snapshot struct {
	State       string        `json:"state"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	TakenAt     time.Time     `json:"taken_at"`
	Uptime      time.Duration `json:"uptime_ns"`
	WatcherMode string        `json:"watcher_mode,omitempty"`

	EventsReceived uint64 `json:"events_received"`
	EventsSkipped  uint64 `json:"events_skipped"`
	EventsDropped  uint64 `json:"events_dropped"`
	Abandoned      uint64 `json:"abandoned"`

	QueueDepth int `json:"queue_depth"`
	InFlight   int `json:"in_flight"`

	Cache *cache.Stats `json:"cache,omitempty"`

	Handlers map[string]HandlerStats `json:"handlers"`
}

// HandlerNames returns the handler names in sorted order.
func (s Snapshot) HandlerNames() []string {
	names := make([]string, 0, len(s.Handlers))
	for name := range s.Handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StateRunning is the lifecycle state in which the daemon is healthy.
const StateRunning = "running"

// Running reports whether the daemon was running when s was taken.
func (s Snapshot) Running() bool {
	return s.State == StateRunning
}

// Totals sums the per-handler counters.
func (s Snapshot) Totals() HandlerStats {
	var t HandlerStats
	for _, h := range s.Handlers {
		t.Invocations += h.Invocations
		t.Successes += h.Successes
		t.Failures += h.Failures
		t.Timeouts += h.Timeouts
		t.Panics += h.Panics
		t.Skipped += h.Skipped
		t.TotalDuration += h.TotalDuration
		if h.LastInvokedAt.After(t.LastInvokedAt) {
			t.LastInvokedAt = h.LastInvokedAt
		}
	}
	return t
}

// Monitor is safe for concurrent use.
type Monitor struct {
	now func() time.Time

	mu          sync.Mutex
	state       string
	startedAt   time.Time
	watcherMode string

	received  uint64
	skipped   uint64
	dropped   uint64
	abandoned uint64
	inFlight  int

	handlers map[string]*HandlerStats

	queueDepth func() int
	cacheStats func() cache.Stats
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a monitor in the "stopped" state.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		now:      time.Now,
		state:    "stopped",
		handlers: make(map[string]*HandlerStats),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetState records the daemon lifecycle state. Entering "running" from
// any other state resets the uptime origin.
func (m *Monitor) SetState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state == StateRunning && m.state != StateRunning && m.state != "reloading" {
		m.startedAt = m.now()
	}
	m.state = state
}

// SetWatcherMode records how file changes are being observed.
func (m *Monitor) SetWatcherMode(mode string) {
	m.mu.Lock()
	m.watcherMode = mode
	m.mu.Unlock()
}

// SetQueueDepth installs a function reporting the pending event count. It
// must be non-blocking.
func (m *Monitor) SetQueueDepth(fn func() int) {
	m.mu.Lock()
	m.queueDepth = fn
	m.mu.Unlock()
}

// SetCacheStats installs a function reporting cache counters. It must be
// non-blocking.
func (m *Monitor) SetCacheStats(fn func() cache.Stats) {
	m.mu.Lock()
	m.cacheStats = fn
	m.mu.Unlock()
}

// Track pre-creates counters for a handler so it appears in snapshots
// before its first invocation.
func (m *Monitor) Track(name string) {
	m.mu.Lock()
	m.statsLocked(name)
	m.mu.Unlock()
}

func (m *Monitor) statsLocked(name string) *HandlerStats {
	s, ok := m.handlers[name]
	if !ok {
		s = &HandlerStats{}
		m.handlers[name] = s
	}
	return s
}

// RecordEvent counts an event taken off the queue.
func (m *Monitor) RecordEvent() {
	m.mu.Lock()
	m.received++
	m.mu.Unlock()
}

// RecordSkip counts a cooldown suppression. An empty handler name means
// the event was suppressed before matching.
func (m *Monitor) RecordSkip(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		m.skipped++
		return
	}
	m.statsLocked(name).Skipped++
}

// RecordDrop counts jobs discarded without running, e.g. at shutdown.
func (m *Monitor) RecordDrop(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.dropped += uint64(n)
	m.mu.Unlock()
}

// RecordAbandoned counts invocations still running when the shutdown
// grace period ran out.
func (m *Monitor) RecordAbandoned(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.abandoned += uint64(n)
	m.mu.Unlock()
}

// Begin marks an invocation as started.
func (m *Monitor) Begin() {
	m.mu.Lock()
	m.inFlight++
	m.mu.Unlock()
}

// End marks an invocation as returned.
func (m *Monitor) End() {
	m.mu.Lock()
	if m.inFlight > 0 {
		m.inFlight--
	}
	m.mu.Unlock()
}

// Record folds one invocation result into the handler's counters.
func (m *Monitor) Record(res handler.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.statsLocked(res.Handler)
	s.Invocations++
	switch {
	case res.Success:
		s.Successes++
	case res.TimedOut:
		s.Failures++
		s.Timeouts++
	default:
		s.Failures++
	}
	if handler.IsPanic(res.Err) {
		s.Panics++
	}

	s.LastInvokedAt = res.StartedAt
	s.LastDuration = res.Duration
	s.TotalDuration += res.Duration
	if res.Err != nil {
		s.LastError = res.Err.Error()
	} else if res.Success {
		s.LastError = ""
	}
}

// Snapshot returns a deep copy of the current counters.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		State:          m.state,
		StartedAt:      m.startedAt,
		TakenAt:        m.now(),
		WatcherMode:    m.watcherMode,
		EventsReceived: m.received,
		EventsSkipped:  m.skipped,
		EventsDropped:  m.dropped,
		Abandoned:      m.abandoned,
		InFlight:       m.inFlight,
		Handlers:       make(map[string]HandlerStats, len(m.handlers)),
	}
	for name, s := range m.handlers {
		snap.Handlers[name] = *s
	}
	queueDepth := m.queueDepth
	cacheStats := m.cacheStats
	running := m.state == "running" || m.state == "reloading"
	m.mu.Unlock()

	// Providers are called outside the lock.
	if queueDepth != nil {
		snap.QueueDepth = queueDepth()
	}
	if cacheStats != nil {
		cs := cacheStats()
		snap.Cache = &cs
	}
	if running && !snap.StartedAt.IsZero() {
		snap.Uptime = snap.TakenAt.Sub(snap.StartedAt)
	}
	return snap
}

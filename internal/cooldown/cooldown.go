// Package cooldown tracks when each resource was last processed and
// suppresses re-processing inside a cooldown window.
//
// TryAcquire both answers "may I process this now?" and records the
// attempt in one atomic step, so two workers racing on the same resource
// can never both be admitted. A burst of N events for one resource inside
// the window yields at most one admission, which is what breaks
// watch → handler → write → watch loops.
package cooldown

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Entry records the last admitted attempt for a resource.
type Entry struct {
	Key             string
	LastProcessedAt time.Time
	Cooldown        time.Duration
}

type shard struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// Guard is safe for concurrent use. Locking is per shard, so unrelated
// resources rarely contend.
type Guard struct {
	shards [shardCount]shard
	now    func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// New creates an empty Guard.
func New(opts ...Option) *Guard {
	g := &Guard{now: time.Now}
	for i := range g.shards {
		g.shards[i].entries = make(map[string]Entry)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) shardFor(key string) *shard {
	return &g.shards[xxhash.Sum64String(key)%shardCount]
}

// TryAcquire returns true and stamps key with the current time when at
// least cooldown has elapsed since the last admitted attempt (or there was
// none). Otherwise it returns false and leaves the entry untouched.
func (g *Guard) TryAcquire(key string, cooldown time.Duration) bool {
	s := g.shardFor(key)
	now := g.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && now.Sub(e.LastProcessedAt) < cooldown {
		return false
	}
	s.entries[key] = Entry{Key: key, LastProcessedAt: now, Cooldown: cooldown}
	return true
}

// Last returns the entry recorded for key.
func (g *Guard) Last(key string) (Entry, bool) {
	s := g.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// Prune drops entries whose cooldown has fully elapsed. Pruning never
// changes TryAcquire outcomes; it only bounds memory.
func (g *Guard) Prune() int {
	now := g.now()
	removed := 0
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if now.Sub(e.LastProcessedAt) >= e.Cooldown {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked resources.
func (g *Guard) Len() int {
	n := 0
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

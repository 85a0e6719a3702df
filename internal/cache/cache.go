// Package cache provides the TTL result cache shared by all handlers.
//
// Entries live in memory (patrickmn/go-cache) and every Set is mirrored to
// a Store so results survive restarts. Expiry is judged against the
// cache's own clock on every read, so a Get never returns an expired value
// even between sweeps.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is used by GetOrCompute callers that pass a zero ttl.
const DefaultTTL = 7 * 24 * time.Hour

// compactMinRecords keeps tiny stores from being rewritten on every Set.
const compactMinRecords = 64

// ErrInvalidTTL is returned by Set for a non-positive ttl.
var ErrInvalidTTL = errors.New("cache ttl must be positive")

// Entry is one cached value. Entries are never mutated after Set.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	TTL       time.Duration
}

// ExpiredAt reports whether the entry is no longer valid at now.
func (e *Entry) ExpiredAt(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries        int
	Hits           uint64
	Misses         uint64
	Sets           uint64
	Computes       uint64
	CorruptRecords int
	StoreRecords   int
	LoadFailed     bool
}

// Cache is safe for concurrent use.
type Cache struct {
	mem    *gocache.Cache
	now    func() time.Time
	logger *slog.Logger
	ttl    time.Duration

	// storeMu serializes the store and keeps memory and store in the same
	// write order.
	storeMu      sync.Mutex
	store        Store
	storeRecords int

	group singleflight.Group

	hits     atomic.Uint64
	misses   atomic.Uint64
	sets     atomic.Uint64
	computes atomic.Uint64

	corrupt    int
	loadFailed bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger used for persistence warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithDefaultTTL sets the ttl GetOrCompute uses when given zero.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// New builds a cache and loads every live record from store. A nil store
// keeps the cache memory-only. An unreadable store is logged and the cache
// starts empty; New never fails.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		// No go-cache expiry or janitor: expiry uses the injected clock
		// and Sweep is driven by the daemon.
		mem:    gocache.New(gocache.NoExpiration, 0),
		now:    time.Now,
		logger: slog.Default(),
		ttl:    DefaultTTL,
		store:  store,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache")

	if store != nil {
		c.load()
	}
	return c
}

func (c *Cache) load() {
	now := c.now()
	loaded := make(map[string]*Entry)
	total := 0

	skipped, err := c.store.Load(func(rec Record) {
		total++
		loaded[rec.Key] = &Entry{
			Key:       rec.Key,
			Value:     rec.Value,
			CreatedAt: rec.CreatedAt,
			TTL:       rec.TTL(),
		}
	})
	c.corrupt = skipped

	if err != nil {
		c.loadFailed = true
		c.logger.Warn("cache store unreadable, starting empty", "error", err)
		c.storeRecords = 0
		if rerr := c.store.Rewrite(nil); rerr != nil {
			c.logger.Warn("failed to reset cache store", "error", rerr)
		}
		return
	}

	live := 0
	for key, e := range loaded {
		if e.ExpiredAt(now) {
			continue
		}
		c.mem.Set(key, e, gocache.NoExpiration)
		live++
	}
	c.storeRecords = total

	if skipped > 0 {
		c.logger.Warn("skipped corrupt cache records", "count", skipped)
	}
	c.logger.Debug("cache loaded", "entries", live, "records", total, "skipped", skipped)

	if skipped > 0 || total > live {
		c.compactLocked()
	}
}

// Get returns a copy of the value for key if it has not expired.
func (c *Cache) Get(key string) ([]byte, bool) {
	e, ok := c.lookup(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return cloneBytes(e.Value), true
}

// Entry returns the stored entry metadata for key if it has not expired.
func (c *Cache) Entry(key string) (Entry, bool) {
	e, ok := c.lookup(key)
	if !ok {
		return Entry{}, false
	}
	out := *e
	out.Value = cloneBytes(e.Value)
	return out, true
}

func (c *Cache) lookup(key string) (*Entry, bool) {
	v, ok := c.mem.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*Entry)
	if e.ExpiredAt(c.now()) {
		return nil, false
	}
	return e, true
}

// Set stores a copy of value under key for ttl. Persistence failures are
// logged; the in-memory entry is kept either way.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("cache key must not be empty")
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}

	e := &Entry{
		Key:       key,
		Value:     cloneBytes(value),
		CreatedAt: c.now(),
		TTL:       ttl,
	}

	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mem.Set(key, e, gocache.NoExpiration)
	c.sets.Add(1)

	if c.store == nil {
		return nil
	}
	if err := c.store.Append(recordFor(e)); err != nil {
		c.logger.Warn("failed to persist cache entry", "key", key, "error", err)
		return nil
	}
	c.storeRecords++

	if live := c.mem.ItemCount(); c.storeRecords > compactMinRecords && c.storeRecords > 2*live {
		c.compactLocked()
	}
	return nil
}

// Delete removes key from memory. The store drops it at the next compaction.
func (c *Cache) Delete(key string) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	c.mem.Delete(key)
}

// Len returns the number of entries held, including expired ones not yet
// swept.
func (c *Cache) Len() int {
	return c.mem.ItemCount()
}

// Keys returns the live keys in sorted order.
func (c *Cache) Keys() []string {
	now := c.now()
	var keys []string
	for k, item := range c.mem.Items() {
		if e := item.Object.(*Entry); !e.ExpiredAt(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Sweep removes expired entries and compacts the store. It returns the
// number of entries removed.
func (c *Cache) Sweep() int {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	now := c.now()
	removed := 0
	for k, item := range c.mem.Items() {
		if item.Object.(*Entry).ExpiredAt(now) {
			c.mem.Delete(k)
			removed++
		}
	}

	if c.store != nil && (removed > 0 || c.storeRecords > c.mem.ItemCount()) {
		c.compactLocked()
	}
	return removed
}

// Purge drops every entry and truncates the store.
func (c *Cache) Purge() error {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mem.Flush()
	if c.store == nil {
		return nil
	}
	if err := c.store.Rewrite(nil); err != nil {
		return fmt.Errorf("failed to purge cache store: %w", err)
	}
	c.storeRecords = 0
	return nil
}

// compactLocked rewrites the store with the live entries, oldest first.
// storeMu must be held.
func (c *Cache) compactLocked() {
	now := c.now()
	items := c.mem.Items()
	recs := make([]Record, 0, len(items))
	for _, item := range items {
		e := item.Object.(*Entry)
		if e.ExpiredAt(now) {
			continue
		}
		recs = append(recs, recordFor(e))
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].Key < recs[j].Key
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})

	if err := c.store.Rewrite(recs); err != nil {
		c.logger.Warn("cache compaction failed", "error", err)
		return
	}
	c.logger.Debug("cache compacted", "from", c.storeRecords, "to", len(recs))
	c.storeRecords = len(recs)
}

// GetOrCompute returns the cached value for key, or runs compute and caches
// its result for ttl (DefaultTTL or WithDefaultTTL when zero). Concurrent
// misses for one key share a single compute call. Errors are not cached.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have filled the entry while we waited.
		if e, ok := c.lookup(key); ok {
			return e.Value, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.computes.Add(1)
		val, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(key, val, ttl); err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneBytes(v.([]byte)), nil
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.storeMu.Lock()
	storeRecords := c.storeRecords
	corrupt := c.corrupt
	loadFailed := c.loadFailed
	c.storeMu.Unlock()

	return Stats{
		Entries:        c.mem.ItemCount(),
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Sets:           c.sets.Load(),
		Computes:       c.computes.Load(),
		CorruptRecords: corrupt,
		StoreRecords:   storeRecords,
		LoadFailed:     loadFailed,
	}
}

// Close compacts and closes the store.
func (c *Cache) Close() error {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	if c.store == nil {
		return nil
	}
	if c.storeRecords > c.mem.ItemCount() {
		c.compactLocked()
	}
	err := c.store.Close()
	c.store = nil
	return err
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemStore(t *testing.T) (*FileStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	s, err := NewFileStore(fsys, "/state/cache.jsonl")
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}
	return s, fsys
}

func TestGetOrCompute_ComputesOnce(t *testing.T) {
	clock := newFakeClock()
	c := New(nil, WithClock(clock.Now))

	var calls atomic.Int32
	produce := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("transcript body"), nil
	}

	const week = 604800 * time.Second

	// miss, compute, set
	v, err := c.GetOrCompute(context.Background(), "video123", week, produce)
	if err != nil {
		t.Fatalf("GetOrCompute() failed: %v", err)
	}
	if string(v) != "transcript body" {
		t.Fatalf("GetOrCompute() = %q", v)
	}

	clock.Advance(24 * time.Hour)
	for i := 0; i < 2; i++ {
		got, ok := c.Get("video123")
		if !ok || !bytes.Equal(got, v) {
			t.Fatalf("Get() #%d = %q, %v", i, got, ok)
		}
	}

	st := c.Stats()
	if calls.Load() != 1 {
		t.Errorf("producer called %d times, want 1", calls.Load())
	}
	if st.Hits != 2 {
		t.Errorf("hits = %d, want 2", st.Hits)
	}
	if st.Computes != 1 {
		t.Errorf("computes = %d, want 1", st.Computes)
	}
}

func TestGetOrCompute_ConcurrentMisses(t *testing.T) {
	c := New(nil)

	var calls atomic.Int32
	release := make(chan struct{})
	produce := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("v"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetOrCompute(context.Background(), "k", time.Hour, produce); err != nil {
				t.Errorf("GetOrCompute() failed: %v", err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("producer called %d times, want 1", calls.Load())
	}
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	c := New(nil)
	boom := errors.New("upstream 500")

	_, err := c.GetOrCompute(context.Background(), "k", time.Hour, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("failed compute must not populate the cache")
	}
}

func TestGet_Expiry(t *testing.T) {
	tests := []struct {
		name    string
		ttl     time.Duration
		elapsed time.Duration
		want    bool
	}{
		{"fresh", time.Hour, 0, true},
		{"just before expiry", time.Hour, time.Hour - time.Nanosecond, true},
		{"at expiry", time.Hour, time.Hour, false},
		{"long expired", time.Hour, 48 * time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			c := New(nil, WithClock(clock.Now))
			if err := c.Set("k", []byte("v"), tt.ttl); err != nil {
				t.Fatalf("Set() failed: %v", err)
			}
			clock.Advance(tt.elapsed)
			if _, ok := c.Get("k"); ok != tt.want {
				t.Errorf("Get() ok = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestSet_InvalidTTL(t *testing.T) {
	c := New(nil)
	if err := c.Set("k", []byte("v"), 0); !errors.Is(err, ErrInvalidTTL) {
		t.Errorf("Set(ttl=0) err = %v, want ErrInvalidTTL", err)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	c := New(nil)
	orig := []byte("abc")
	if err := c.Set("k", orig, time.Hour); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	orig[0] = 'x'

	got, _ := c.Get("k")
	got[1] = 'y'

	again, _ := c.Get("k")
	if string(again) != "abc" {
		t.Errorf("Get() = %q, cached value was mutated", again)
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	clock := newFakeClock()
	store, fsys := newMemStore(t)

	c := New(store, WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		if err := c.Set(fmt.Sprintf("video%d", i), []byte(fmt.Sprintf("body-%d", i)), time.Hour); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
	}
	if err := c.Set("short", []byte("gone"), time.Minute); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	clock.Advance(10 * time.Minute)

	reopened, err := NewFileStore(fsys, "/state/cache.jsonl")
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}
	c2 := New(reopened, WithClock(clock.Now))
	defer c2.Close()

	want := []string{"video0", "video1", "video2"}
	if diff := cmp.Diff(want, c2.Keys()); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}
	if v, ok := c2.Get("video1"); !ok || string(v) != "body-1" {
		t.Errorf("Get(video1) = %q, %v", v, ok)
	}
	if _, ok := c2.Get("short"); ok {
		t.Error("expired entry survived reload")
	}
}

func TestPersistence_LastWriteWins(t *testing.T) {
	store, fsys := newMemStore(t)
	c := New(store)
	_ = c.Set("k", []byte("one"), time.Hour)
	_ = c.Set("k", []byte("two"), time.Hour)
	_ = c.Close()

	reopened, _ := NewFileStore(fsys, "/state/cache.jsonl")
	c2 := New(reopened)
	if v, _ := c2.Get("k"); string(v) != "two" {
		t.Errorf("Get() = %q, want %q", v, "two")
	}
}

func TestPersistence_TruncatedRecordSkipped(t *testing.T) {
	store, fsys := newMemStore(t)
	c := New(store)
	_ = c.Set("good", []byte("ok"), time.Hour)
	_ = c.Close()

	// Simulate a crash mid-append: a partial JSON line with no newline.
	f, err := fsys.OpenFile("/state/cache.jsonl", os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_, _ = f.Write([]byte(`{"key":"bad","value":"AAA`))
	_ = f.Close()

	reopened, _ := NewFileStore(fsys, "/state/cache.jsonl")
	c2 := New(reopened)

	if v, ok := c2.Get("good"); !ok || string(v) != "ok" {
		t.Fatalf("Get(good) = %q, %v", v, ok)
	}
	if st := c2.Stats(); st.CorruptRecords != 1 {
		t.Errorf("CorruptRecords = %d, want 1", st.CorruptRecords)
	}

	// New writes after recovery must remain readable.
	if err := c2.Set("after", []byte("x"), time.Hour); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	_ = c2.Close()

	final, _ := NewFileStore(fsys, "/state/cache.jsonl")
	c3 := New(final)
	if diff := cmp.Diff([]string{"after", "good"}, c3.Keys()); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}
	if st := c3.Stats(); st.CorruptRecords != 0 {
		t.Errorf("CorruptRecords after compaction = %d, want 0", st.CorruptRecords)
	}
}

func TestFileStore_AppendRepairsMissingNewline(t *testing.T) {
	fsys := afero.NewMemMapFs()
	good := `{"key":"a","value":"eA==","created_at":"2026-03-01T09:00:00Z","ttl_seconds":3600}`
	if err := afero.WriteFile(fsys, "/c.jsonl", []byte(good), 0644); err != nil {
		t.Fatal(err)
	}

	s, _ := NewFileStore(fsys, "/c.jsonl")
	n := 0
	if _, err := s.Load(func(Record) { n++ }); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("loaded %d records, want 1", n)
	}
	if err := s.Append(Record{Key: "b", Value: []byte("y"), CreatedAt: time.Now(), TTLSeconds: 60}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	_ = s.Close()

	var keys []string
	s2, _ := NewFileStore(fsys, "/c.jsonl")
	skipped, err := s2.Load(func(r Record) { keys = append(keys, r.Key) })
	if err != nil || skipped != 0 {
		t.Fatalf("Load() = skipped %d, err %v", skipped, err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

type brokenStore struct {
	rewrites int
}

func (s *brokenStore) Load(func(Record)) (int, error) {
	return 0, &CorruptionError{Path: "broken", Err: errors.New("bad header")}
}
func (s *brokenStore) Append(Record) error    { return nil }
func (s *brokenStore) Rewrite([]Record) error { s.rewrites++; return nil }
func (s *brokenStore) Close() error           { return nil }

func TestNew_UnreadableStoreStartsEmpty(t *testing.T) {
	store := &brokenStore{}
	c := New(store)

	st := c.Stats()
	if !st.LoadFailed {
		t.Error("LoadFailed = false, want true")
	}
	if st.Entries != 0 {
		t.Errorf("Entries = %d, want 0", st.Entries)
	}
	if store.rewrites != 1 {
		t.Errorf("store reset %d times, want 1", store.rewrites)
	}
	if err := c.Set("k", []byte("v"), time.Hour); err != nil {
		t.Errorf("Set() after corrupt load failed: %v", err)
	}
}

func TestCorruptionError_Is(t *testing.T) {
	err := fmt.Errorf("open: %w", &CorruptionError{Path: "p", Err: errors.New("x")})
	if !errors.Is(err, ErrCorrupt) {
		t.Error("errors.Is(err, ErrCorrupt) = false")
	}
	var ce *CorruptionError
	if !errors.As(err, &ce) || ce.Path != "p" {
		t.Errorf("errors.As failed: %v", ce)
	}
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	store, fsys := newMemStore(t)
	c := New(store, WithClock(clock.Now))

	_ = c.Set("keep", []byte("1"), time.Hour)
	_ = c.Set("drop1", []byte("2"), time.Minute)
	_ = c.Set("drop2", []byte("3"), time.Minute)

	clock.Advance(2 * time.Minute)
	if removed := c.Sweep(); removed != 2 {
		t.Errorf("Sweep() = %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
	if st := c.Stats(); st.StoreRecords != 1 {
		t.Errorf("StoreRecords = %d, want 1 after compaction", st.StoreRecords)
	}
	_ = c.Close()

	data, _ := afero.ReadFile(fsys, "/state/cache.jsonl")
	if bytes.Count(data, []byte("\n")) != 1 {
		t.Errorf("store holds %d lines, want 1:\n%s", bytes.Count(data, []byte("\n")), data)
	}
}

func TestCompaction_OnRepeatedSets(t *testing.T) {
	store, _ := newMemStore(t)
	c := New(store)
	defer c.Close()

	for i := 0; i < 200; i++ {
		_ = c.Set("hot", []byte(fmt.Sprint(i)), time.Hour)
	}
	if st := c.Stats(); st.StoreRecords > compactMinRecords+1 {
		t.Errorf("StoreRecords = %d, store was never compacted", st.StoreRecords)
	}
}

func TestPurge(t *testing.T) {
	store, _ := newMemStore(t)
	c := New(store)
	_ = c.Set("a", []byte("1"), time.Hour)
	if err := c.Purge(); err != nil {
		t.Fatalf("Purge() failed: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestSQLiteStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	store, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore() failed: %v", err)
	}

	clock := newFakeClock()
	c := New(store, WithClock(clock.Now))
	_ = c.Set("video123", []byte("payload"), 7*24*time.Hour)
	_ = c.Set("video123", []byte("payload-2"), 7*24*time.Hour)
	_ = c.Set("old", []byte("x"), time.Minute)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	clock.Advance(time.Hour)

	store2, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	c2 := New(store2, WithClock(clock.Now))
	defer c2.Close()

	if v, ok := c2.Get("video123"); !ok || string(v) != "payload-2" {
		t.Errorf("Get(video123) = %q, %v", v, ok)
	}
	if _, ok := c2.Get("old"); ok {
		t.Error("expired sqlite row survived reload")
	}
}

func TestOpenStore_Backends(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenStore(BackendMemory, dir, nil)
	if err != nil || s != nil {
		t.Errorf("OpenStore(memory) = %v, %v; want nil, nil", s, err)
	}

	s, err = OpenStore(BackendFile, dir, nil)
	if err != nil {
		t.Fatalf("OpenStore(file) failed: %v", err)
	}
	if fs, ok := s.(*FileStore); !ok || fs.Path() != filepath.Join(dir, "cache.jsonl") {
		t.Errorf("OpenStore(file) = %#v", s)
	}
	_ = s.Close()

	if _, err := OpenStore("redis", dir, nil); err == nil {
		t.Error("OpenStore(redis) should fail")
	}
}

// Package watcher observes a vault directory tree and emits debounced
// file events.
//
// The primary backend is fsnotify, watching every directory recursively.
// When the OS primitive fails (handle exhaustion, queue overflow) the
// watcher restarts it with exponential backoff; after too many failures it
// degrades to periodically polling the tree. The daemon keeps running in
// either mode.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/pathmatch"
)

// ErrWatcher wraps failures of the OS watch primitive. They are logged
// and recovered from, never returned to the daemon.
var ErrWatcher = errors.New("watcher error")

// Mode is how changes are currently observed.
type Mode string

const (
	ModeStopped Mode = "stopped"
	ModeNotify  Mode = "fsnotify"
	ModePoll    Mode = "poll"
)

// Config holds configuration for the watcher.
type Config struct {
	// Root is the vault directory.
	Root string

	// Debounce is how long a path must stay quiet before its event is
	// emitted.
	Debounce time.Duration

	// MaxRestarts bounds fsnotify restarts before falling back to polling.
	MaxRestarts int

	// RestartBackoff is the first restart delay; it doubles per attempt.
	RestartBackoff time.Duration

	// MaxBackoff caps the restart delay.
	MaxBackoff time.Duration

	// PollInterval is the full-tree rescan period in poll mode.
	PollInterval time.Duration

	// Ignore lists extra glob patterns, relative to Root, never emitted.
	// Hidden path segments are always ignored.
	Ignore []string

	// Buffer is the capacity of the Events channel.
	Buffer int

	// Fs is the filesystem used by the poller. Defaults to the OS.
	Fs afero.Fs

	// Logger for watcher activity.
	Logger *slog.Logger

	// OnModeChange is called whenever the mode changes.
	OnModeChange func(Mode)
}

// DefaultConfig returns sensible defaults for root.
func DefaultConfig(root string) Config {
	return Config{
		Root:           root,
		Debounce:       2 * time.Second,
		MaxRestarts:    5,
		RestartBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		PollInterval:   10 * time.Second,
		Buffer:         256,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.Root)
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = d.RestartBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Buffer <= 0 {
		c.Buffer = d.Buffer
	}
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type rawChange struct {
	path string
	op   event.Op
	at   time.Time
}

// Watcher emits debounced events for a directory tree.
type Watcher struct {
	cfg    Config
	root   string
	fs     afero.Fs
	logger *slog.Logger

	newNotifier func() (notifier, error)
	now         func() time.Time

	raw    chan rawChange
	events chan event.Event
	done   chan struct{}
	wg     sync.WaitGroup

	// ready is closed once the first backend attempt has either placed
	// its watches or failed.
	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	running  bool
	finished bool
	mode     Mode

	restarts atomic.Int32
}

// New creates a watcher. It does nothing until Start.
func New(cfg Config) *Watcher {
	cfg.applyDefaults()
	root := filepath.Clean(cfg.Root)
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	return &Watcher{
		cfg:         cfg,
		root:        root,
		fs:          cfg.Fs,
		logger:      cfg.Logger.With("component", "watcher"),
		newNotifier: newFSNotify,
		now:         time.Now,
		raw:         make(chan rawChange, 1024),
		events:      make(chan event.Event, cfg.Buffer),
		done:        make(chan struct{}),
		ready:       make(chan struct{}),
		mode:        ModeStopped,
	}
}

// Start begins watching. It fails only if the root is not a readable
// directory or the watcher was already started; OS watch failures are
// handled in the background. Start returns once the initial watches are
// in place (or the first attempt to place them failed), so changes made
// after Start returns are observed.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	if w.finished {
		w.mu.Unlock()
		return fmt.Errorf("watcher already stopped")
	}

	info, err := w.fs.Stat(w.root)
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("failed to stat vault %s: %w", w.root, err)
	}
	if !info.IsDir() {
		w.mu.Unlock()
		return fmt.Errorf("vault %s is not a directory", w.root)
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(2)
	go w.supervise()
	go w.debounceLoop()
	<-w.ready

	w.logger.Info("watching vault", "root", w.root, "mode", w.Mode(), "debounce", w.cfg.Debounce)
	return nil
}

func (w *Watcher) markReady() {
	w.readyOnce.Do(func() { close(w.ready) })
}

// Stop closes the OS watch handle, stops the poller and closes Events.
// Pending debounced changes are discarded. It blocks until all watcher
// goroutines have exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.finished = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	close(w.events)
	w.setMode(ModeStopped)
	return nil
}

// Events returns the channel of debounced events. It is closed by Stop.
func (w *Watcher) Events() <-chan event.Event {
	return w.events
}

// Mode returns the current backend.
func (w *Watcher) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Restarts returns how many times the fsnotify backend was restarted.
func (w *Watcher) Restarts() int {
	return int(w.restarts.Load())
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) setMode(m Mode) {
	w.mu.Lock()
	changed := w.mode != m
	w.mode = m
	w.mu.Unlock()

	if changed && w.cfg.OnModeChange != nil {
		w.cfg.OnModeChange(m)
	}
}

// supervise runs fsnotify, restarting it with backoff on failure and
// falling back to polling once restarts are exhausted.
func (w *Watcher) supervise() {
	defer w.wg.Done()

	// baseline is the tree as it stood when the backend last failed. The
	// next backend to come up reports the difference.
	var baseline map[string]fileState

	attempt := 0
	for {
		started := time.Now()
		err := w.runNotify(w.done, func() {
			if baseline != nil {
				_, missed := w.resync(baseline)
				w.logger.Info("reported changes made while the watcher was down", "count", missed)
				baseline = nil
			}
		})
		if err != nil && !w.stopping() && baseline == nil {
			baseline = w.scan()
		}
		w.markReady()
		if err == nil || w.stopping() {
			return
		}
		werr := fmt.Errorf("%w: %w", ErrWatcher, err)

		// A backend that stayed healthy for a while earns a fresh budget.
		if time.Since(started) > w.cfg.MaxBackoff {
			attempt = 0
		}
		if attempt >= w.cfg.MaxRestarts {
			w.logger.Error("watcher failed, degrading to polling",
				"error", werr, "restarts", attempt, "poll_interval", w.cfg.PollInterval)
			break
		}

		delay := backoffDelay(w.cfg.RestartBackoff, w.cfg.MaxBackoff, attempt)
		attempt++
		w.restarts.Add(1)
		w.logger.Error("watcher failed, restarting", "error", werr, "attempt", attempt, "backoff", delay)

		select {
		case <-time.After(delay):
		case <-w.done:
			return
		}
	}

	w.runPoll(w.done, baseline)
}

// backoffDelay returns base doubled attempt times, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

func (w *Watcher) stopping() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// notify hands a raw notification to the debounce loop.
func (w *Watcher) notify(path string, op event.Op) {
	select {
	case w.raw <- rawChange{path: path, op: op, at: w.now()}:
	case <-w.done:
	}
}

// debounceLoop coalesces raw notifications and emits due events.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	deb := newDebouncer(w.cfg.Debounce)
	ticker := time.NewTicker(tickFor(w.cfg.Debounce))
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			if n := deb.len(); n > 0 {
				w.logger.Debug("discarding pending changes", "count", n)
			}
			return

		case c := <-w.raw:
			if w.cfg.Debounce == 0 {
				if !w.emit(event.File(c.path, c.op, c.at)) {
					return
				}
				continue
			}
			deb.add(c.path, c.op, c.at)

		case <-ticker.C:
			for _, ev := range deb.due(w.now()) {
				if !w.emit(ev) {
					return
				}
			}
		}
	}
}

// emit blocks until the consumer takes ev or the watcher stops.
func (w *Watcher) emit(ev event.Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.done:
		return false
	}
}

// tickFor picks how often due paths are checked for a window.
func tickFor(window time.Duration) time.Duration {
	tick := window / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > 250*time.Millisecond {
		tick = 250 * time.Millisecond
	}
	return tick
}

// ignored reports whether path is hidden or matches an ignore pattern.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") {
		return true
	}
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return pathmatch.Any(w.cfg.Ignore, rel)
}

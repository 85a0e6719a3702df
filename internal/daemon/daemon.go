// Package daemon assembles the vaultd components and drives their
// lifecycle.
//
// A Daemon moves through STOPPED → STARTING → RUNNING ⇄ RELOADING and
// RUNNING → STOPPING → STOPPED. Starting validates configuration, takes
// the state directory lock, opens the cache and builds the handler
// registry before any event is accepted. Stopping stops the watcher and
// scheduler first, then gives in-flight handlers the grace period.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/vaultd/internal/builtin"
	"github.com/mschirtzinger/vaultd/internal/cache"
	"github.com/mschirtzinger/vaultd/internal/config"
	"github.com/mschirtzinger/vaultd/internal/cooldown"
	"github.com/mschirtzinger/vaultd/internal/dashboard"
	"github.com/mschirtzinger/vaultd/internal/dispatch"
	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/handler"
	"github.com/mschirtzinger/vaultd/internal/health"
	"github.com/mschirtzinger/vaultd/internal/ratelimit"
	"github.com/mschirtzinger/vaultd/internal/scheduler"
	"github.com/mschirtzinger/vaultd/internal/version"
	"github.com/mschirtzinger/vaultd/internal/watcher"
)

// LockFile is the instance lock inside the state directory.
const LockFile = "vaultd.lock"

// Options configures a Daemon beyond its config file.
type Options struct {
	// Load re-reads configuration on Reload. When nil, Reload rebuilds
	// from the current configuration.
	Load func() (*config.Config, error)

	// Factory builds handlers. Defaults to every built-in kind.
	Factory *handler.Factory

	// Version is reported to handlers. Defaults to version.Version.
	Version string

	// Logger for daemon activity.
	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time

	// OpenStore opens the cache store. Defaults to cache.OpenStore.
	OpenStore func(backend, dir string, logger *slog.Logger) (cache.Store, error)
}

// Daemon owns every running component.
type Daemon struct {
	opts    Options
	logger  *slog.Logger
	monitor *health.Monitor

	// lifecycle serializes Start, Stop and Reload.
	lifecycle sync.Mutex
	state     atomic.Int32

	cfg     *config.Config
	lock    *instanceLock
	cache   *cache.Cache
	guard   *cooldown.Guard
	sched   *scheduler.Scheduler
	disp    *dispatch.Dispatcher
	watch   *watcher.Watcher
	dash    *dashboard.Server
	queue   chan event.Event
	env     handler.Env
	retired []*handler.Registry

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a stopped daemon for cfg.
func New(cfg *config.Config, opts Options) *Daemon {
	if opts.Factory == nil {
		opts.Factory = builtin.NewFactory()
	}
	if opts.Version == "" {
		opts.Version = version.Version
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OpenStore == nil {
		opts.OpenStore = cache.OpenStore
	}

	d := &Daemon{
		opts:    opts,
		cfg:     cfg,
		logger:  opts.Logger.With("component", "daemon"),
		monitor: health.NewMonitor(health.WithClock(opts.Now)),
	}
	d.monitor.SetState(StateStopped.String())
	return d
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Status returns a health snapshot. It never blocks on a transition.
func (d *Daemon) Status() health.Snapshot {
	return d.monitor.Snapshot()
}

// Monitor exposes the health monitor, for metrics.
func (d *Daemon) Monitor() *health.Monitor {
	return d.monitor
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.Config {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.cfg
}

func (d *Daemon) setState(s State) {
	from := State(d.state.Swap(int32(s)))
	d.monitor.SetState(s.String())
	if from != s {
		d.logger.Info("state changed", "from", from.String(), "to", s.String())
		if d.dash != nil {
			d.dash.BroadcastState(from.String(), s.String())
		}
	}
}

// Start brings every component up. ctx bounds startup only; the daemon
// runs until Stop. A *config.ConfigError or ErrLocked leaves the daemon
// stopped.
func (d *Daemon) Start(ctx context.Context) (err error) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.State() != StateStopped {
		return ErrAlreadyRunning
	}
	d.setState(StateStarting)
	defer func() {
		if err != nil {
			d.teardown()
			d.setState(StateStopped)
		}
	}()

	cfg := d.cfg
	if err := cfg.Validate(d.opts.Factory); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.logWarnings(cfg)

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	lock, err := acquireLock(filepath.Join(cfg.StateDir, LockFile))
	if err != nil {
		return err
	}
	d.lock = lock

	// A broken cache never blocks startup: reset it, or cache in memory.
	store, err := d.opts.OpenStore(cfg.Cache.Backend, cfg.StateDir, d.opts.Logger)
	switch {
	case err != nil && store == nil:
		d.logger.Warn("cache store unusable, caching in memory only", "backend", cfg.Cache.Backend, "error", err)
	case err != nil:
		d.logger.Warn("cache store was unreadable and has been reset", "error", err)
	}
	d.cache = cache.New(store,
		cache.WithLogger(d.opts.Logger),
		cache.WithDefaultTTL(cfg.CacheTTL()),
		cache.WithClock(d.opts.Now),
	)
	d.guard = cooldown.New(cooldown.WithClock(d.opts.Now))

	limiter := ratelimit.New(cfg.Outbound.RatePerSecond, cfg.Outbound.PerHostRate)
	d.env = handler.Env{
		VaultRoot:  cfg.Vault,
		StateDir:   cfg.StateDir,
		Version:    d.opts.Version,
		Logger:     d.opts.Logger,
		HTTPClient: ratelimit.NewClient(limiter, cfg.Outbound.Timeout),
	}
	registry, err := d.buildRegistry(cfg)
	if err != nil {
		return err
	}

	d.sched = scheduler.New()
	if err := d.sched.Replace(cfg.TaskSpecs(), d.opts.Now()); err != nil {
		_ = registry.Close()
		return err
	}

	d.queue = make(chan event.Event, cfg.QueueSize)
	d.disp = dispatch.New(dispatch.Config{
		VaultRoot:      cfg.Vault,
		EventCooldown:  cfg.Cooldown(),
		Workers:        cfg.WorkerPoolSize,
		QueueSize:      cfg.QueueSize,
		HandlerTimeout: cfg.HandlerTimeout,
		CacheTTL:       cfg.CacheTTL(),
		Logger:         d.opts.Logger,
	}, dispatch.Deps{
		Registry: registry,
		Guard:    d.guard,
		Cache:    d.cache,
		Monitor:  d.monitor,
		Now:      d.opts.Now,
	})
	queue, disp := d.queue, d.disp
	d.monitor.SetQueueDepth(func() int { return len(queue) + disp.QueueDepth() })
	d.monitor.SetCacheStats(d.cache.Stats)

	d.watch = watcher.New(watcher.Config{
		Root:           cfg.Vault,
		Debounce:       cfg.DebounceWindow,
		MaxRestarts:    cfg.Watcher.MaxRestarts,
		RestartBackoff: cfg.Watcher.RestartBackoff,
		MaxBackoff:     cfg.Watcher.MaxBackoff,
		PollInterval:   cfg.Watcher.PollInterval,
		Ignore:         watchIgnores(cfg),
		Buffer:         cfg.QueueSize,
		Logger:         d.opts.Logger,
		OnModeChange: func(m watcher.Mode) {
			d.monitor.SetWatcherMode(string(m))
		},
	})
	if err := d.watch.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	if cfg.Dashboard.Enabled {
		d.dash = dashboard.NewServer(d, dashboard.Config{
			Addr:              cfg.Dashboard.Addr,
			BroadcastInterval: cfg.Dashboard.BroadcastInterval,
			Gatherer:          health.NewRegistry(d.monitor),
			Logger:            d.opts.Logger,
		})
		if err := d.dash.Start(); err != nil {
			d.dash = nil
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	d.cancel = cancel
	d.group = g

	g.Go(func() error { return d.pump(gctx) })
	g.Go(func() error {
		return scheduler.NewRunner(d.sched, d.queue, scheduler.RunnerConfig{
			TickInterval: cfg.Scheduler.TickInterval,
			Now:          d.opts.Now,
			Logger:       d.opts.Logger,
		}).Run(gctx)
	})
	g.Go(func() error {
		if err := d.disp.Run(gctx, d.queue); err != nil && !errors.Is(err, dispatch.ErrStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error { return d.maintain(gctx, cfg.Cache.SweepInterval) })

	d.setState(StateRunning)
	d.logger.Info("vaultd started",
		"vault", cfg.Vault,
		"handlers", registry.Len(),
		"tasks", d.sched.Len(),
		"workers", cfg.WorkerPoolSize,
		"watcher", d.watch.Mode(),
	)
	return nil
}

// buildRegistry constructs the configured handlers. Bad handler options
// are configuration problems, so failures come back as *config.ConfigError.
func (d *Daemon) buildRegistry(cfg *config.Config) (*handler.Registry, error) {
	specs, err := cfg.HandlerSpecs()
	if err != nil {
		return nil, config.NewConfigError(err)
	}
	registry, err := d.opts.Factory.BuildRegistry(specs, d.env)
	if err != nil {
		return nil, config.NewConfigError(err)
	}
	return registry, nil
}

func (d *Daemon) logWarnings(cfg *config.Config) {
	for _, w := range cfg.Warnings(d.opts.Now()) {
		d.logger.Warn(w)
	}
}

// watchIgnores adds the state directory when it lives inside the vault,
// so cache and log writes never become events.
func watchIgnores(cfg *config.Config) []string {
	ignores := append([]string(nil), cfg.Watcher.Ignore...)
	rel, err := filepath.Rel(cfg.Vault, cfg.StateDir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ignores
	}
	return append(ignores, filepath.ToSlash(rel)+"/**")
}

// pump forwards watcher events into the shared queue.
func (d *Daemon) pump(ctx context.Context) error {
	events := d.watch.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			select {
			case d.queue <- ev:
			case <-ctx.Done():
				d.monitor.RecordDrop(1)
				return nil
			}
		}
	}
}

// maintain sweeps expired cache entries and idle cooldown entries.
func (d *Daemon) maintain(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			swept := d.cache.Sweep()
			pruned := d.guard.Prune()
			if swept > 0 || pruned > 0 {
				d.logger.Debug("maintenance", "cache_expired", swept, "cooldowns_pruned", pruned)
			}
		}
	}
}

// Stop shuts the daemon down. In-flight handlers get the shutdown grace
// period, shortened by ctx's deadline if it has one; invocations still
// running after that are abandoned and counted.
func (d *Daemon) Stop(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.State() != StateRunning {
		return ErrNotRunning
	}
	d.setState(StateStopping)

	grace := d.cfg.ShutdownGracePeriod
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < grace {
			grace = max(left, 0)
		}
	}

	// No new events: file changes first, then scheduled firings.
	if err := d.watch.Stop(); err != nil {
		d.logger.Warn("failed to stop watcher", "error", err)
	}
	d.cancel()
	if err := d.group.Wait(); err != nil {
		d.logger.Error("component failed", "error", err)
	}

	if n := d.drainQueue(); n > 0 {
		d.logger.Info("dropped queued events", "count", n)
	}
	if abandoned := d.disp.Shutdown(grace); abandoned > 0 {
		d.logger.Warn("shutdown grace period expired", "abandoned", abandoned, "grace", grace)
	}

	d.teardown()
	d.setState(StateStopped)
	d.logger.Info("vaultd stopped")
	return nil
}

func (d *Daemon) drainQueue() int {
	n := 0
	for {
		select {
		case <-d.queue:
			n++
		default:
			if n > 0 {
				d.monitor.RecordDrop(n)
			}
			return n
		}
	}
}

// teardown releases whatever Start managed to create.
func (d *Daemon) teardown() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.watch != nil {
		_ = d.watch.Stop()
		d.watch = nil
	}
	if d.group != nil {
		_ = d.group.Wait()
		d.group = nil
	}
	if d.disp != nil {
		d.disp.Shutdown(0)
		d.retired = append(d.retired, d.disp.Registry())
		d.disp = nil
	}
	for _, r := range d.retired {
		if err := r.Close(); err != nil {
			d.logger.Warn("failed to close handlers", "error", err)
		}
	}
	d.retired = nil
	if d.dash != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.dash.Stop(ctx); err != nil {
			d.logger.Warn("failed to stop dashboard", "error", err)
		}
		cancel()
		d.dash = nil
	}
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			d.logger.Warn("failed to close cache", "error", err)
		}
		d.cache = nil
	}
	if d.lock != nil {
		if err := d.lock.release(); err != nil {
			d.logger.Warn("failed to release lock", "error", err)
		}
		d.lock = nil
	}
	d.monitor.SetQueueDepth(nil)
	d.monitor.SetCacheStats(nil)
	d.queue = nil
	d.sched = nil
}

// Reload re-reads configuration and swaps in the new handlers and tasks.
// An invalid configuration is rejected and the running one kept; the
// error is returned for logging. Settings that shape running components
// (vault, pool sizes, watcher, dashboard) need a restart and are reported
// as such.
func (d *Daemon) Reload(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.State() != StateRunning {
		return ErrNotRunning
	}
	d.setState(StateReloading)
	defer d.setState(StateRunning)

	next := d.cfg
	if d.opts.Load != nil {
		loaded, err := d.opts.Load()
		if err != nil {
			d.logger.Error("reload failed, keeping current configuration", "error", err)
			return err
		}
		next = loaded
	}
	if err := next.Validate(d.opts.Factory); err != nil {
		d.logger.Error("reload rejected, keeping current configuration", "error", err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, key := range restartRequired(d.cfg, next) {
		d.logger.Warn("setting changed but needs a restart", "key", key)
	}
	d.logWarnings(next)

	registry, err := d.buildRegistry(next)
	if err != nil {
		d.logger.Error("reload rejected, keeping current handlers", "error", err)
		return err
	}
	if err := d.sched.Replace(next.TaskSpecs(), d.opts.Now()); err != nil {
		_ = registry.Close()
		d.logger.Error("reload rejected, keeping current tasks", "error", err)
		return err
	}

	// Queued invocations may still use the old handlers; they are closed
	// on Stop.
	d.retired = append(d.retired, d.disp.Registry())
	d.disp.SetRegistry(registry)

	// Only reloadable parts of the new config take effect.
	merged := *d.cfg
	merged.Tasks = next.Tasks
	merged.Handlers = next.Handlers
	d.cfg = &merged

	d.logger.Info("configuration reloaded", "handlers", registry.Len(), "tasks", d.sched.Len())
	return nil
}

func restartRequired(cur, next *config.Config) []string {
	var keys []string
	check := func(key string, changed bool) {
		if changed {
			keys = append(keys, key)
		}
	}
	check("vault", cur.Vault != next.Vault)
	check("state_dir", cur.StateDir != next.StateDir)
	check("debounce_window", cur.DebounceWindow != next.DebounceWindow)
	check("cooldown_seconds", cur.CooldownSeconds != next.CooldownSeconds)
	check("worker_pool_size", cur.WorkerPoolSize != next.WorkerPoolSize)
	check("queue_size", cur.QueueSize != next.QueueSize)
	check("handler_timeout", cur.HandlerTimeout != next.HandlerTimeout)
	check("cache", cur.Cache != next.Cache)
	check("dashboard", cur.Dashboard != next.Dashboard)
	check("outbound", cur.Outbound != next.Outbound)
	check("scheduler", cur.Scheduler != next.Scheduler)
	check("log", cur.Log != next.Log)
	return keys
}

// Run starts the daemon, reloads on every reload signal and stops when
// ctx is done.
func (d *Daemon) Run(ctx context.Context, reload <-chan struct{}) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGracePeriod+5*time.Second)
			defer cancel()
			return d.Stop(stopCtx)
		case <-reload:
			_ = d.Reload(ctx)
		}
	}
}

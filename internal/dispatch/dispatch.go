// Package dispatch routes events from the shared queue to matching
// handlers.
//
// The dispatch loop never waits for a handler: for every event it checks
// the cooldown guard, matches the registry and hands each match to a
// bounded worker pool. Workers run one invocation at a time under a
// deadline, recover panics and record a Result for every invocation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/vaultd/internal/cache"
	"github.com/mschirtzinger/vaultd/internal/cooldown"
	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/handler"
	"github.com/mschirtzinger/vaultd/internal/health"
	"github.com/mschirtzinger/vaultd/internal/note"
)

// ErrStopped is returned by Run once Shutdown has been called.
var ErrStopped = errors.New("dispatcher stopped")

// Config holds configuration for the dispatcher.
type Config struct {
	// VaultRoot is the absolute vault directory.
	VaultRoot string

	// EventCooldown suppresses repeat events for one resource.
	EventCooldown time.Duration

	// Workers is the number of concurrent invocations.
	Workers int

	// QueueSize is how many matched invocations may wait for a worker.
	QueueSize int

	// HandlerTimeout bounds each invocation unless the descriptor sets
	// its own.
	HandlerTimeout time.Duration

	// CacheTTL is passed to handlers as the default cache ttl.
	CacheTTL time.Duration

	// Logger for dispatcher activity.
	Logger *slog.Logger

	// OnResult, if set, is called after each Result is recorded.
	OnResult func(handler.Result)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EventCooldown:  60 * time.Second,
		Workers:        4,
		QueueSize:      256,
		HandlerTimeout: 5 * time.Minute,
		CacheTTL:       cache.DefaultTTL,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = d.HandlerTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Deps are the shared components the dispatcher works with.
type Deps struct {
	Registry *handler.Registry
	Guard    *cooldown.Guard
	Cache    *cache.Cache
	Monitor  *health.Monitor

	// ReadMeta gathers file metadata. Defaults to note.Read.
	ReadMeta func(root, path string) (note.Metadata, error)

	// Now defaults to time.Now.
	Now func() time.Time
}

type job struct {
	desc     *handler.Descriptor
	ev       event.Event
	meta     note.Metadata
	resource string
}

type invocation struct {
	id       string
	handler  string
	resource string
	started  time.Time
}

// Dispatcher consumes events and runs handlers on a worker pool.
type Dispatcher struct {
	cfg      Config
	guard    *cooldown.Guard
	cache    *cache.Cache
	monitor  *health.Monitor
	readMeta func(root, path string) (note.Metadata, error)
	now      func() time.Time
	logger   *slog.Logger

	registry atomic.Pointer[handler.Registry]

	jobs chan job

	// workCtx is cancelled when the shutdown grace period runs out.
	workCtx    context.Context
	cancelWork context.CancelFunc

	// stopping is closed when Shutdown begins; handlers see it as
	// Request.Stopping.
	stopping chan struct{}

	mu      sync.Mutex
	stopped bool
	loops   sync.WaitGroup
	workers sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]invocation

	shutdownOnce sync.Once
	abandoned    int
}

// New creates a dispatcher and starts its workers.
func New(cfg Config, deps Deps) *Dispatcher {
	cfg.applyDefaults()
	if deps.Guard == nil {
		deps.Guard = cooldown.New()
	}
	if deps.Monitor == nil {
		deps.Monitor = health.NewMonitor()
	}
	if deps.Registry == nil {
		deps.Registry = handler.NewRegistry(cfg.Logger)
	}
	if deps.ReadMeta == nil {
		deps.ReadMeta = note.Read
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	workCtx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:        cfg,
		guard:      deps.Guard,
		cache:      deps.Cache,
		monitor:    deps.Monitor,
		readMeta:   deps.ReadMeta,
		now:        deps.Now,
		logger:     cfg.Logger.With("component", "dispatcher"),
		jobs:       make(chan job, cfg.QueueSize),
		workCtx:    workCtx,
		cancelWork: cancel,
		stopping:   make(chan struct{}),
		inflight:   make(map[string]invocation),
	}
	d.SetRegistry(deps.Registry)

	d.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// SetRegistry swaps the registry used for events dequeued from now on.
// Invocations already queued keep their descriptors.
func (d *Dispatcher) SetRegistry(r *handler.Registry) {
	d.registry.Store(r)
	for _, name := range r.Names() {
		d.monitor.Track(name)
	}
}

// Registry returns the current registry.
func (d *Dispatcher) Registry() *handler.Registry {
	return d.registry.Load()
}

// QueueDepth returns the number of matched invocations waiting for a
// worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.jobs)
}

// Run consumes events until ctx is done, events is closed or Shutdown is
// called.
func (d *Dispatcher) Run(ctx context.Context, events <-chan event.Event) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	d.loops.Add(1)
	d.mu.Unlock()
	defer d.loops.Done()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stopping:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.Dispatch(ctx, ev)
		}
	}
}

// Dispatch handles one event: cooldown, match, submit. It blocks only
// while the job queue is full.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) {
	d.monitor.RecordEvent()

	key := ev.ResourceKey()
	if !d.guard.TryAcquire(key, d.cfg.EventCooldown) {
		d.monitor.RecordSkip("")
		d.logger.Debug("event suppressed by cooldown", "event", ev.String(), "resource", key)
		return
	}

	meta := d.metadata(ev)
	matches := d.Registry().Match(ev, meta)
	if len(matches) == 0 {
		d.logger.Debug("no handler matched", "event", ev.String())
		return
	}

	for _, desc := range matches {
		if desc.Cooldown > 0 && !d.guard.TryAcquire(desc.CooldownKey(key), desc.Cooldown) {
			d.monitor.RecordSkip(desc.Name)
			d.logger.Debug("handler suppressed by cooldown", "handler", desc.Name, "resource", key)
			continue
		}
		j := job{desc: desc, ev: ev, meta: meta, resource: key}
		select {
		case d.jobs <- j:
		case <-d.stopping:
			d.drop(j)
		case <-ctx.Done():
			d.drop(j)
		}
	}
}

func (d *Dispatcher) metadata(ev event.Event) note.Metadata {
	if ev.Kind != event.KindFile {
		return note.For(d.cfg.VaultRoot, ev.Path)
	}
	meta, err := d.readMeta(d.cfg.VaultRoot, ev.Path)
	if err != nil {
		d.logger.Warn("failed to read metadata", "path", ev.Path, "error", err)
	}
	return meta
}

func (d *Dispatcher) drop(j job) {
	d.monitor.RecordDrop(1)
	d.logger.Debug("dropped queued invocation", "handler", j.desc.Name, "resource", j.resource)
}

func (d *Dispatcher) isStopping() bool {
	select {
	case <-d.stopping:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.workers.Done()
	for {
		select {
		case <-d.stopping:
			return
		case j := <-d.jobs:
			if d.isStopping() {
				d.drop(j)
				return
			}
			d.invoke(j)
		}
	}
}

type outcome struct {
	meta map[string]string
	err  error
}

// invoke runs one handler under its deadline. A timed-out invocation is
// recorded at the deadline, but the worker stays busy until the handler
// returns.
func (d *Dispatcher) invoke(j job) {
	inv := invocation{
		id:       uuid.NewString(),
		handler:  j.desc.Name,
		resource: j.resource,
		started:  d.now(),
	}
	timeout := j.desc.Timeout
	if timeout <= 0 {
		timeout = d.cfg.HandlerTimeout
	}
	logger := d.logger.With("handler", inv.handler, "invocation", inv.id)

	d.monitor.Begin()
	defer d.monitor.End()
	d.track(inv)
	defer d.untrack(inv.id)

	ctx, cancel := context.WithTimeout(d.workCtx, timeout)
	defer cancel()

	req := &handler.Request{
		InvocationID: inv.id,
		Event:        j.ev,
		Meta:         j.meta,
		VaultRoot:    d.cfg.VaultRoot,
		Cache:        d.cache,
		CacheTTL:     d.cfg.CacheTTL,
		Logger:       logger,
		Stopping:     d.stopping,
		Options:      j.desc.Options,
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &handler.PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		meta, err := j.desc.Handler.Process(ctx, req)
		done <- outcome{meta: meta, err: err}
	}()

	res := handler.Result{
		InvocationID: inv.id,
		Handler:      inv.handler,
		Resource:     inv.resource,
		StartedAt:    inv.started,
	}

	select {
	case out := <-done:
		d.finish(&res, out, logger)

	case <-ctx.Done():
		// A handler that returned right at the deadline still counts.
		select {
		case out := <-done:
			d.finish(&res, out, logger)
			return
		default:
		}

		if d.workCtx.Err() != nil {
			// Shutdown grace ran out; Shutdown counts it as abandoned.
			<-done
			return
		}

		res.Duration = d.now().Sub(inv.started)
		res.TimedOut = true
		res.Err = fmt.Errorf("%w after %s", handler.ErrTimeout, timeout)
		d.record(res, logger)

		out := <-done
		logger.Warn("timed out handler returned", "resource", inv.resource,
			"elapsed", d.now().Sub(inv.started), "error", out.err)
	}
}

func (d *Dispatcher) finish(res *handler.Result, out outcome, logger *slog.Logger) {
	res.Duration = d.now().Sub(res.StartedAt)
	res.Metadata = out.meta
	if out.err != nil {
		var perr *handler.PanicError
		if errors.As(out.err, &perr) {
			logger.Error("handler panicked", "resource", res.Resource, "panic", perr.Value, "stack", string(perr.Stack))
			res.Err = perr
		} else {
			res.Err = handler.Fault(out.err)
		}
	} else {
		res.Success = true
	}
	d.record(*res, logger)
}

func (d *Dispatcher) record(res handler.Result, logger *slog.Logger) {
	d.monitor.Record(res)
	if res.Success {
		logger.Info("handler succeeded", "resource", res.Resource, "duration", res.Duration)
	} else {
		logger.Warn("handler failed", "resource", res.Resource, "duration", res.Duration,
			"timed_out", res.TimedOut, "error", res.Err)
	}
	if d.cfg.OnResult != nil {
		d.cfg.OnResult(res)
	}
}

func (d *Dispatcher) track(inv invocation) {
	d.inflightMu.Lock()
	d.inflight[inv.id] = inv
	d.inflightMu.Unlock()
}

func (d *Dispatcher) untrack(id string) {
	d.inflightMu.Lock()
	delete(d.inflight, id)
	d.inflightMu.Unlock()
}

// InFlight returns the running invocations, oldest first.
func (d *Dispatcher) InFlight() []string {
	d.inflightMu.Lock()
	invs := make([]invocation, 0, len(d.inflight))
	for _, inv := range d.inflight {
		invs = append(invs, inv)
	}
	d.inflightMu.Unlock()

	sort.Slice(invs, func(i, j int) bool { return invs[i].started.Before(invs[j].started) })
	out := make([]string, len(invs))
	for i, inv := range invs {
		out[i] = inv.handler + "[" + inv.resource + "]"
	}
	return out
}

// Shutdown stops dequeuing, signals handlers through Request.Stopping and
// waits up to grace for running invocations. Queued invocations that never
// started are dropped. When grace runs out the remaining invocations are
// cancelled, logged as abandoned and Shutdown returns without them. It
// returns the number abandoned; later calls return the same number.
func (d *Dispatcher) Shutdown(grace time.Duration) int {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		close(d.stopping)
		d.mu.Unlock()

		d.loops.Wait()

		dropped := 0
	drain:
		for {
			select {
			case j := <-d.jobs:
				d.drop(j)
				dropped++
			default:
				break drain
			}
		}
		if dropped > 0 {
			d.logger.Info("dropped queued invocations", "count", dropped)
		}

		done := make(chan struct{})
		go func() {
			d.workers.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(grace):
			d.inflightMu.Lock()
			invs := make([]invocation, 0, len(d.inflight))
			for _, inv := range d.inflight {
				invs = append(invs, inv)
			}
			d.inflightMu.Unlock()

			for _, inv := range invs {
				d.logger.Warn("abandoning handler", "handler", inv.handler, "invocation", inv.id,
					"resource", inv.resource, "running_for", d.now().Sub(inv.started))
			}
			d.abandoned = len(invs)
			d.monitor.RecordAbandoned(d.abandoned)
		}
		d.cancelWork()
	})
	return d.abandoned
}

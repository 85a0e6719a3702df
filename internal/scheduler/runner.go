package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mschirtzinger/vaultd/internal/event"
)

// RunnerConfig holds configuration for a Runner.
type RunnerConfig struct {
	// TickInterval is how often the scheduler is asked for due tasks.
	TickInterval time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for scheduler activity.
	Logger *slog.Logger
}

// Runner ticks a Scheduler and sends each due task to a queue.
type Runner struct {
	sched  *Scheduler
	out    chan<- event.Event
	tick   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewRunner creates a runner feeding out.
func NewRunner(s *Scheduler, out chan<- event.Event, cfg RunnerConfig) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		sched:  s,
		out:    out,
		tick:   cfg.TickInterval,
		now:    cfg.Now,
		logger: cfg.Logger.With("component", "scheduler"),
	}
}

// Run ticks until ctx is done. Sending blocks when the queue is full, so
// a busy dispatcher delays later firings rather than losing them.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	r.logger.Info("scheduler started", "tasks", r.sched.Len(), "tick", r.tick)
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			r.fire(ctx, r.now())
		}
	}
}

// fire sends every task due at now. Tasks left unsent when ctx ends are
// not retried.
func (r *Runner) fire(ctx context.Context, now time.Time) int {
	sent := 0
	for _, t := range r.sched.Tick(now) {
		ev := event.Scheduled(t.ID, t.Resource, now)
		select {
		case r.out <- ev:
			sent++
		case <-ctx.Done():
			return sent
		}
		if next, ok := r.sched.Get(t.ID); ok {
			r.logger.Debug("task fired", "task", t.ID, "due", t.NextRunAt, "next", next.NextRunAt)
		} else {
			r.logger.Debug("task fired", "task", t.ID, "due", t.NextRunAt)
		}
	}
	return sent
}

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/mschirtzinger/vaultd/internal/cache"
	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/handler"
	"github.com/mschirtzinger/vaultd/internal/pathmatch"
	"github.com/mschirtzinger/vaultd/internal/scheduler"
)

// ConfigError lists every problem found in a configuration. It is fatal
// at startup and rejected on reload.
type ConfigError struct {
	Problems []error
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid configuration: %v", e.Problems[0])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "invalid configuration: %d problems:", len(e.Problems))
	for _, p := range e.Problems {
		b.WriteString("\n  * ")
		b.WriteString(p.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() []error { return e.Problems }

// NewConfigError turns err into a *ConfigError. Errors gathered in a
// multierror become one problem each.
func NewConfigError(err error) *ConfigError {
	var cerr *ConfigError
	if errors.As(err, &cerr) {
		return cerr
	}
	var merr *multierror.Error
	if errors.As(err, &merr) && len(merr.Errors) > 0 {
		return &ConfigError{Problems: merr.WrappedErrors()}
	}
	return &ConfigError{Problems: []error{err}}
}

// KindChecker reports whether a handler kind can be built.
type KindChecker interface {
	IsRegistered(kind string) bool
}

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"text", "json"}
)

// Validate checks the whole configuration and returns a *ConfigError with
// every problem, or nil. kinds may be nil to skip the handler kind check.
func (c *Config) Validate(kinds KindChecker) error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	switch info, err := os.Stat(c.Vault); {
	case c.Vault == "":
		add("vault is required")
	case err != nil:
		add("vault %s: %v", c.Vault, err)
	case !info.IsDir():
		add("vault %s is not a directory", c.Vault)
	}

	if c.WorkerPoolSize <= 0 {
		add("worker_pool_size must be positive, got %d", c.WorkerPoolSize)
	}
	if c.QueueSize <= 0 {
		add("queue_size must be positive, got %d", c.QueueSize)
	}
	if c.CooldownSeconds < 0 {
		add("cooldown_seconds must not be negative")
	}
	if c.Cache.TTLSeconds < 0 {
		add("cache.ttl_seconds must not be negative")
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"debounce_window", c.DebounceWindow},
		{"handler_timeout", c.HandlerTimeout},
		{"shutdown_grace_period", c.ShutdownGracePeriod},
		{"cache.sweep_interval", c.Cache.SweepInterval},
		{"watcher.restart_backoff", c.Watcher.RestartBackoff},
		{"watcher.max_backoff", c.Watcher.MaxBackoff},
		{"watcher.poll_interval", c.Watcher.PollInterval},
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
		{"dashboard.broadcast_interval", c.Dashboard.BroadcastInterval},
		{"outbound.timeout", c.Outbound.Timeout},
	} {
		if d.val < 0 {
			add("%s must not be negative, got %s", d.key, d.val)
		}
	}
	if c.Watcher.MaxRestarts < 0 {
		add("watcher.max_restarts must not be negative")
	}

	switch c.Cache.Backend {
	case cache.BackendFile, cache.BackendSQLite, cache.BackendMemory:
	default:
		add("unknown cache backend %q", c.Cache.Backend)
	}

	for _, p := range c.Watcher.Ignore {
		if err := pathmatch.Validate(p); err != nil {
			add("watcher.ignore: %v", err)
		}
	}

	if c.Dashboard.Enabled {
		if _, _, err := net.SplitHostPort(c.Dashboard.Addr); err != nil {
			add("dashboard.addr %q: %v", c.Dashboard.Addr, err)
		}
	}

	if !slices.Contains(validLevels, c.Log.Level) {
		add("unknown log level %q", c.Log.Level)
	}
	if !slices.Contains(validFormats, c.Log.Format) {
		add("unknown log format %q", c.Log.Format)
	}

	now := time.Now()
	taskIDs := make(map[string]bool)
	for i, t := range c.Tasks {
		if t.ID != "" && taskIDs[t.ID] {
			add("task %s: duplicate id", t.ID)
		}
		taskIDs[t.ID] = true
		if err := t.spec().Validate(now); err != nil {
			add("tasks[%d]: %v", i, err)
		}
	}

	for _, name := range c.handlerNames() {
		h := c.Handlers[name]
		if h.Kind == "" {
			add("handler %s: kind is required", name)
		} else if kinds != nil && !kinds.IsRegistered(h.Kind) {
			add("handler %s: %v %q", name, handler.ErrUnknownKind, h.Kind)
		}
		if h.CooldownSeconds < 0 {
			add("handler %s: cooldown_seconds must not be negative", name)
		}
		if h.Timeout < 0 {
			add("handler %s: timeout must not be negative", name)
		}
		for _, p := range append(append([]string(nil), h.Include...), h.Exclude...) {
			if err := pathmatch.Validate(p); err != nil {
				add("handler %s: %v", name, err)
			}
		}
		for _, e := range h.Events {
			if _, err := event.ParseOp(e); err != nil {
				add("handler %s: %v", name, err)
			}
		}
		for _, id := range h.Tasks {
			if !taskIDs[id] {
				add("handler %s: unknown task %q", name, id)
			}
		}
	}

	if result == nil {
		return nil
	}
	return &ConfigError{Problems: result.Errors}
}

// Warnings reports valid settings that drop work silently. A scheduled
// task shares the cooldown of its resource key, so a task that fires more
// often than an applicable cooldown has some firings skipped. Call only on
// a validated config.
func (c *Config) Warnings(now time.Time) []string {
	var out []string
	for _, t := range c.Tasks {
		spec := t.spec()
		if spec.Schedule == "" {
			continue
		}
		every, err := scheduler.MinInterval(spec.Schedule, now)
		if err != nil || every <= 0 {
			continue
		}
		if cd := c.Cooldown(); every < cd {
			out = append(out, fmt.Sprintf(
				"task %s fires every %s but cooldown_seconds is %s; firings inside the cooldown are skipped",
				spec.ID, every, cd))
		}
		for _, name := range c.handlerNames() {
			h := c.Handlers[name]
			if !h.IsEnabled() || !slices.Contains(h.Tasks, spec.ID) {
				continue
			}
			if cd := seconds(h.CooldownSeconds); every < cd {
				out = append(out, fmt.Sprintf(
					"task %s fires every %s but handler %s has cooldown_seconds %s; it skips firings inside the cooldown",
					spec.ID, every, name, cd))
			}
		}
	}
	return out
}

// TaskSpecs converts the declared tasks for the scheduler.
func (c *Config) TaskSpecs() []scheduler.TaskSpec {
	specs := make([]scheduler.TaskSpec, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		specs = append(specs, t.spec())
	}
	return specs
}

func (t TaskConfig) spec() scheduler.TaskSpec {
	return scheduler.TaskSpec{
		ID:       strings.TrimSpace(t.ID),
		Schedule: strings.TrimSpace(t.Schedule),
		At:       strings.TrimSpace(t.At),
		Resource: t.Resource,
	}
}

// HandlerSpecs converts the declared handlers in registration order:
// ascending priority, then name. Call only on a validated config.
func (c *Config) HandlerSpecs() ([]handler.Spec, error) {
	names := c.handlerNames()
	specs := make([]handler.Spec, 0, len(names))
	for _, name := range names {
		h := c.Handlers[name]
		ops := make([]event.Op, 0, len(h.Events))
		for _, e := range h.Events {
			op, err := event.ParseOp(e)
			if err != nil {
				return nil, fmt.Errorf("handler %s: %w", name, err)
			}
			ops = append(ops, op)
		}
		specs = append(specs, handler.Spec{
			Name:     name,
			Kind:     h.Kind,
			Enabled:  h.IsEnabled(),
			Cooldown: seconds(h.CooldownSeconds),
			Timeout:  h.Timeout,
			Filter: handler.Filter{
				Include: h.Include,
				Exclude: h.Exclude,
				Events:  ops,
				Tasks:   h.Tasks,
			},
			Options: h.Options,
		})
	}
	return specs, nil
}

func (c *Config) handlerNames() []string {
	names := make([]string, 0, len(c.Handlers))
	for name := range c.Handlers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := c.Handlers[names[i]].Priority, c.Handlers[names[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}

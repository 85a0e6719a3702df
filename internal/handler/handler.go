// Package handler defines the feature handler contract and the registry
// that binds handlers to events.
//
// A handler has two capabilities: a pure predicate (Matches) evaluated on
// the dispatch loop, and Process, executed on a worker with a deadline.
// Handlers are built once from validated configuration by a Factory and
// collected in a Registry; nothing registers itself at runtime.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mschirtzinger/vaultd/internal/cache"
	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/note"
)

// Handler is implemented by every feature handler kind.
type Handler interface {
	// Matches reports whether the handler wants the event. It must not
	// perform I/O or mutate state.
	Matches(ev event.Event, meta note.Metadata) bool

	// Process does the work. It may block on network or process I/O and
	// should return promptly once ctx is done. The returned map is
	// attached to the Result as metadata.
	Process(ctx context.Context, req *Request) (map[string]string, error)
}

// Request carries everything a handler invocation may use.
type Request struct {
	InvocationID string
	Event        event.Event
	Meta         note.Metadata

	// VaultRoot is the absolute vault directory.
	VaultRoot string

	// Cache is shared by all handlers.
	Cache *cache.Cache

	// CacheTTL is the configured default ttl for cached lookups.
	CacheTTL time.Duration

	Logger *slog.Logger

	// Stopping is closed when the daemon begins shutting down.
	Stopping <-chan struct{}

	Options map[string]any
}

// Result is produced once per invocation and handed to the health monitor.
type Result struct {
	InvocationID string
	Handler      string
	Resource     string
	StartedAt    time.Time
	Duration     time.Duration
	Success      bool
	TimedOut     bool
	Err          error
	Metadata     map[string]string
}

// String formats the result for log lines.
func (r Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s] %s in %s", r.Handler, r.Resource, r.outcome(), r.Duration.Round(time.Millisecond))
	if r.Err != nil {
		fmt.Fprintf(&b, ": %v", r.Err)
	}
	return b.String()
}

func (r Result) outcome() string {
	switch {
	case r.Success:
		return "succeeded"
	case r.TimedOut:
		return "timed out"
	default:
		return "failed"
	}
}

// Descriptor binds a named, configured handler to its filter.
type Descriptor struct {
	Name    string
	Kind    string
	Enabled bool

	// Cooldown is an optional per-handler gate applied after the
	// event-level cooldown. Zero disables it.
	Cooldown time.Duration

	// Timeout overrides the daemon-wide handler timeout when non-zero.
	Timeout time.Duration

	Filter  Filter
	Options map[string]any

	// Handler is nil for disabled descriptors.
	Handler Handler
}

// CooldownKey scopes the per-handler cooldown for a resource.
func (d *Descriptor) CooldownKey(resource string) string {
	return "handler:" + d.Name + "|" + resource
}

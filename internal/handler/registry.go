package handler

import (
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/note"
)

// Registry is the ordered table of descriptors. It is filled at startup
// and read concurrently afterwards; a config reload builds a new Registry
// instead of mutating the live one.
type Registry struct {
	mu          sync.RWMutex
	descriptors []*Descriptor
	byName      map[string]*Descriptor
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName: make(map[string]*Descriptor),
		logger: logger.With("component", "registry"),
	}
}

// Register appends d. Names must be unique and enabled descriptors need a
// handler.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("descriptor must have a name")
	}
	if d.Enabled && d.Handler == nil {
		return fmt.Errorf("handler %s: enabled descriptor has no handler", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, d.Name)
	}
	r.byName[d.Name] = d
	r.descriptors = append(r.descriptors, d)
	return nil
}

// Match returns the enabled descriptors that accept ev, in registration
// order. Disabled descriptors are skipped before anything is evaluated. A
// predicate that panics counts as no match.
func (r *Registry) Match(ev event.Event, meta note.Metadata) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Descriptor
	for _, d := range r.descriptors {
		if !d.Enabled {
			continue
		}
		if !d.Filter.Allows(ev, meta.Rel) {
			continue
		}
		if r.matches(d, ev, meta) {
			matched = append(matched, d)
		}
	}
	return matched
}

func (r *Registry) matches(d *Descriptor, ev event.Event, meta note.Metadata) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler predicate panicked",
				"handler", d.Name,
				"event", ev.String(),
				"panic", rec,
				"stack", string(debug.Stack()))
			ok = false
		}
	}()
	return d.Handler.Matches(ev, meta)
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Names returns descriptor names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.descriptors))
	for i, d := range r.descriptors {
		names[i] = d.Name
	}
	return names
}

// Get looks up a descriptor by name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Len returns the number of descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}

// Close releases handlers that hold resources (for example a wasm
// runtime). Every handler is closed even if some fail.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result *multierror.Error
	for _, d := range r.descriptors {
		c, ok := d.Handler.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("handler %s: %w", d.Name, err))
		}
	}
	return result.ErrorOrNil()
}

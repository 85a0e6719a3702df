package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Spec is the validated configuration of one handler.
type Spec struct {
	Name     string
	Kind     string
	Enabled  bool
	Cooldown time.Duration
	Timeout  time.Duration
	Filter   Filter
	Options  map[string]any
}

// Env is what constructors may use besides their own Spec.
type Env struct {
	VaultRoot string
	StateDir  string
	Version   string
	Logger    *slog.Logger

	// HTTPClient is rate limited per host. Handlers making outbound
	// calls must use it.
	HTTPClient *http.Client
}

// Constructor builds a Handler from its spec.
type Constructor func(spec Spec, env Env) (Handler, error)

// Factory maps handler kinds to constructors.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

// Register adds a constructor for kind. Registering nil or the same kind
// twice is a programming error and panics.
func (f *Factory) Register(kind string, constructor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("handler: Register constructor is nil for kind %s", kind))
	}
	if _, exists := f.constructors[kind]; exists {
		panic(fmt.Sprintf("handler: Register called twice for kind %s", kind))
	}
	f.constructors[kind] = constructor
}

// IsRegistered reports whether kind has a constructor.
func (f *Factory) IsRegistered(kind string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.constructors[kind]
	return ok
}

// Kinds returns the registered kinds, sorted.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]string, 0, len(f.constructors))
	for k := range f.constructors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build turns a spec into a descriptor. Disabled specs are not
// constructed, so a disabled handler never runs any of its code.
func (f *Factory) Build(spec Spec, env Env) (*Descriptor, error) {
	f.mu.RLock()
	constructor, ok := f.constructors[spec.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handler %s: %w %q", spec.Name, ErrUnknownKind, spec.Kind)
	}
	if err := spec.Filter.Validate(); err != nil {
		return nil, fmt.Errorf("handler %s: %w", spec.Name, err)
	}

	d := &Descriptor{
		Name:     spec.Name,
		Kind:     spec.Kind,
		Enabled:  spec.Enabled,
		Cooldown: spec.Cooldown,
		Timeout:  spec.Timeout,
		Filter:   spec.Filter,
		Options:  spec.Options,
	}
	if !spec.Enabled {
		return d, nil
	}

	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	env.Logger = env.Logger.With("handler", spec.Name)
	if env.HTTPClient == nil {
		env.HTTPClient = http.DefaultClient
	}

	h, err := constructor(spec, env)
	if err != nil {
		return nil, fmt.Errorf("handler %s: %w", spec.Name, err)
	}
	d.Handler = h
	return d, nil
}

// BuildRegistry builds every spec in order. All failures are reported
// together; on error, handlers already built are closed.
func (f *Factory) BuildRegistry(specs []Spec, env Env) (*Registry, error) {
	reg := NewRegistry(env.Logger)

	var result *multierror.Error
	for _, spec := range specs {
		d, err := f.Build(spec, env)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := reg.Register(d); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		_ = reg.Close()
		return nil, err
	}
	return reg, nil
}

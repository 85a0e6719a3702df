package handler

import (
	"slices"

	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/pathmatch"
)

// Filter is the config-driven part of matching, evaluated before a
// handler's own predicate.
//
// For file events: Events (empty means all ops), then Include globs (empty
// means everything), then Exclude globs. Scheduled events pass only when
// their task id is listed in Tasks.
type Filter struct {
	Include []string
	Exclude []string
	Events  []event.Op
	Tasks   []string
}

// Validate checks every glob pattern.
func (f Filter) Validate() error {
	for _, p := range append(slices.Clone(f.Include), f.Exclude...) {
		if err := pathmatch.Validate(p); err != nil {
			return err
		}
	}
	return nil
}

// Allows reports whether ev passes the filter. rel is the event path
// relative to the vault root, slash separated.
func (f Filter) Allows(ev event.Event, rel string) bool {
	if ev.Kind == event.KindScheduled {
		return slices.Contains(f.Tasks, ev.TaskID)
	}

	if len(f.Events) > 0 && !slices.Contains(f.Events, ev.Op) {
		return false
	}
	if len(f.Include) > 0 && !pathmatch.Any(f.Include, rel) {
		return false
	}
	return !pathmatch.Any(f.Exclude, rel)
}

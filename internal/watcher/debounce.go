package watcher

import (
	"sort"
	"time"

	"github.com/mschirtzinger/vaultd/internal/event"
)

// pendingChange is the coalesced state of one path inside a burst.
type pendingChange struct {
	op       event.Op
	lastSeen time.Time
}

// debouncer coalesces bursts of notifications per path. A path is due
// once no notification for it arrived for a full window; the emitted
// event carries the latest op of the burst. It is not safe for concurrent
// use; the watcher drives it from a single goroutine.
type debouncer struct {
	window  time.Duration
	pending map[string]pendingChange
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window:  window,
		pending: make(map[string]pendingChange),
	}
}

// add records a notification. Later notifications replace the op and
// restart the quiet period.
func (d *debouncer) add(path string, op event.Op, at time.Time) {
	d.pending[path] = pendingChange{op: op, lastSeen: at}
}

// due removes and returns every path that has been quiet for the window,
// oldest first.
func (d *debouncer) due(now time.Time) []event.Event {
	var out []event.Event
	for path, p := range d.pending {
		if now.Sub(p.lastSeen) < d.window {
			continue
		}
		out = append(out, event.File(path, p.op, p.lastSeen))
		delete(d.pending, path)
	}
	sortEvents(out)
	return out
}

// flush removes and returns everything pending regardless of age.
func (d *debouncer) flush() []event.Event {
	out := make([]event.Event, 0, len(d.pending))
	for path, p := range d.pending {
		out = append(out, event.File(path, p.op, p.lastSeen))
	}
	d.pending = make(map[string]pendingChange)
	sortEvents(out)
	return out
}

func (d *debouncer) len() int {
	return len(d.pending)
}

func sortEvents(evs []event.Event) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].ObservedAt.Equal(evs[j].ObservedAt) {
			return evs[i].Path < evs[j].Path
		}
		return evs[i].ObservedAt.Before(evs[j].ObservedAt)
	})
}

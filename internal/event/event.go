// Package event defines the values that flow from the watcher and the
// scheduler into the dispatcher queue.
package event

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Op is the kind of change observed for a file.
type Op int

const (
	// OpCreated indicates a new file appeared.
	OpCreated Op = iota
	// OpModified indicates an existing file was written.
	OpModified
	// OpDeleted indicates a file was removed or renamed away.
	OpDeleted
)

// String returns the lowercase name used in config and logs.
func (op Op) String() string {
	switch op {
	case OpCreated:
		return "created"
	case OpModified:
		return "modified"
	case OpDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ParseOp converts a config name back into an Op.
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created", "create":
		return OpCreated, nil
	case "modified", "modify", "write":
		return OpModified, nil
	case "deleted", "delete", "removed":
		return OpDeleted, nil
	default:
		return 0, fmt.Errorf("unknown event type %q", s)
	}
}

// Kind separates filesystem changes from scheduled task firings.
type Kind int

const (
	// KindFile is produced by the change watcher.
	KindFile Kind = iota
	// KindScheduled is produced by the task scheduler.
	KindScheduled
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindScheduled:
		return "scheduled"
	default:
		return "unknown"
	}
}

// Event is a single unit of work for the dispatcher. It is created by a
// producer, consumed exactly once, and never persisted.
type Event struct {
	Kind Kind

	// Path is the absolute path of the changed file (file events only).
	Path string

	// Op is the latest operation observed for Path after debouncing.
	Op Op

	// TaskID identifies the scheduled task that fired (scheduled events only).
	TaskID string

	// Resource overrides the default resource key, e.g. an external entity id
	// attached to a scheduled task.
	Resource string

	// ObservedAt is when the producer last saw the underlying change.
	ObservedAt time.Time
}

// ResourceKey returns the identity used for cooldown and serialization.
func (e Event) ResourceKey() string {
	if e.Resource != "" {
		return e.Resource
	}
	if e.Kind == KindScheduled {
		return "task:" + e.TaskID
	}
	return filepath.Clean(e.Path)
}

// String formats the event for log lines.
func (e Event) String() string {
	if e.Kind == KindScheduled {
		return fmt.Sprintf("scheduled %s", e.TaskID)
	}
	return fmt.Sprintf("%s %s", e.Op, e.Path)
}

// File builds a file event.
func File(path string, op Op, at time.Time) Event {
	return Event{Kind: KindFile, Path: path, Op: op, ObservedAt: at}
}

// Scheduled builds a scheduled-task event.
func Scheduled(taskID, resource string, at time.Time) Event {
	return Event{Kind: KindScheduled, TaskID: taskID, Resource: resource, Op: OpModified, ObservedAt: at}
}

// Package scheduler keeps the set of timed tasks and decides which are due.
//
// Scheduler itself is deterministic: Tick takes the current time as an
// argument and never reads a clock. Runner drives it from a ticker and
// forwards due tasks to the dispatcher queue as scheduled events.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrDuplicateTask is returned when a task id is registered twice.
var ErrDuplicateTask = errors.New("duplicate task id")

// TaskSpec is the configured form of a task. Exactly one of Schedule and
// At must be set.
type TaskSpec struct {
	// ID names the task; handlers select scheduled events by it.
	ID string

	// Schedule is a cron expression or descriptor ("@every 1h").
	Schedule string

	// At is a one-shot time, RFC 3339 or natural language.
	At string

	// Resource optionally overrides the resource key of fired events.
	Resource string
}

// Validate checks the spec without registering it.
func (s TaskSpec) Validate(now time.Time) error {
	_, _, err := s.build(now)
	return err
}

func (s TaskSpec) build(now time.Time) (Schedule, time.Time, error) {
	if strings.TrimSpace(s.ID) == "" {
		return nil, time.Time{}, fmt.Errorf("%w: task id is required", ErrInvalidSchedule)
	}
	switch {
	case s.Schedule != "" && s.At != "":
		return nil, time.Time{}, fmt.Errorf("%w: task %s: schedule and at are mutually exclusive", ErrInvalidSchedule, s.ID)
	case s.Schedule != "":
		sched, err := ParseCron(s.Schedule)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("task %s: %w", s.ID, err)
		}
		return sched, sched.Next(now), nil
	case s.At != "":
		at, err := ParseAt(s.At, now)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("task %s: %w", s.ID, err)
		}
		// A one-shot time already in the past fires on the next tick.
		return once{at: at}, at, nil
	default:
		return nil, time.Time{}, fmt.Errorf("%w: task %s: schedule or at is required", ErrInvalidSchedule, s.ID)
	}
}

// Task is a registered task and its run times.
type Task struct {
	ID        string
	Resource  string
	Spec      TaskSpec
	OneShot   bool
	NextRunAt time.Time
	LastRunAt time.Time

	schedule Schedule
}

// Scheduler holds registered tasks. It is safe for concurrent use; the
// lock is only held for map operations.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{tasks: make(map[string]*Task)}
}

// Register parses spec and adds the task. Malformed expressions and
// duplicate ids are rejected here, never at tick time.
func (s *Scheduler) Register(spec TaskSpec, now time.Time) (*Task, error) {
	sched, next, err := spec.build(now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[spec.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, spec.ID)
	}
	t := &Task{
		ID:        spec.ID,
		Resource:  spec.Resource,
		Spec:      spec,
		OneShot:   spec.At != "",
		NextRunAt: next,
		schedule:  sched,
	}
	s.tasks[spec.ID] = t
	cp := *t
	return &cp, nil
}

// Remove drops a task. It reports whether the task existed.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

// Replace swaps the whole task set. Tasks whose spec is unchanged keep
// their run times so a reload does not refire or skip them. On error the
// current set is left untouched.
func (s *Scheduler) Replace(specs []TaskSpec, now time.Time) error {
	next := New()
	for _, spec := range specs {
		if _, err := next.Register(spec, now); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range next.tasks {
		if old, ok := s.tasks[id]; ok && old.Spec == t.Spec {
			next.tasks[id] = old
		}
	}
	s.tasks = next.tasks
	return nil
}

// Tick returns every task due at now, ordered by due time then id, and
// advances each past now. Calling Tick again with the same now returns
// nothing. One-shot tasks are removed once fired.
func (s *Scheduler) Tick(now time.Time) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Task
	for id, t := range s.tasks {
		if t.NextRunAt.IsZero() || t.NextRunAt.After(now) {
			continue
		}
		t.LastRunAt = now
		// The returned copy keeps the due time it fired for.
		due = append(due, *t)

		if t.OneShot {
			delete(s.tasks, id)
			continue
		}
		t.NextRunAt = t.schedule.Next(now)
	}
	sortTasks(due)
	return due
}

// Tasks returns copies of all tasks, ordered by next run then id.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.Unlock()

	sortTasks(out)
	return out
}

// Get returns a copy of one task.
func (s *Scheduler) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func sortTasks(ts []Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].NextRunAt.Equal(ts[j].NextRunAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].NextRunAt.Before(ts[j].NextRunAt)
	})
}

package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/mschirtzinger/vaultd/internal/event"
)

// notifier is the subset of fsnotify.Watcher the watcher uses.
type notifier interface {
	Add(path string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyNotifier struct {
	w *fsnotify.Watcher
}

func newFSNotify() (notifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &fsnotifyNotifier{w: w}, nil
}

func (n *fsnotifyNotifier) Add(path string) error         { return n.w.Add(path) }
func (n *fsnotifyNotifier) Close() error                  { return n.w.Close() }
func (n *fsnotifyNotifier) Events() <-chan fsnotify.Event { return n.w.Events }
func (n *fsnotifyNotifier) Errors() <-chan error          { return n.w.Errors }

// convertOp maps an fsnotify op to an event op. Chmod-only notifications
// are ignored; a rename is the old name going away (the new name arrives
// as a create).
func convertOp(ev fsnotify.Event) (event.Op, bool) {
	switch {
	case ev.Has(fsnotify.Create):
		return event.OpCreated, true
	case ev.Has(fsnotify.Write):
		return event.OpModified, true
	case ev.Has(fsnotify.Remove):
		return event.OpDeleted, true
	case ev.Has(fsnotify.Rename):
		return event.OpDeleted, true
	default:
		return 0, false
	}
}

// runNotify watches the tree with fsnotify until done is closed or the OS
// primitive fails. A nil return means a clean stop. watching runs once
// every directory is watched.
func (w *Watcher) runNotify(done <-chan struct{}, watching func()) error {
	n, err := w.newNotifier()
	if err != nil {
		return err
	}
	defer n.Close()

	if err := w.addTree(n, w.root, false); err != nil {
		return err
	}
	w.setMode(ModeNotify)
	if watching != nil {
		watching()
	}
	w.markReady()

	for {
		select {
		case <-done:
			return nil

		case ev, ok := <-n.Events():
			if !ok {
				return fmt.Errorf("fsnotify event channel closed")
			}
			if err := w.handleNotify(n, ev); err != nil {
				return err
			}

		case err, ok := <-n.Errors():
			if !ok {
				return fmt.Errorf("fsnotify error channel closed")
			}
			return err
		}
	}
}

func (w *Watcher) handleNotify(n notifier, ev fsnotify.Event) error {
	op, ok := convertOp(ev)
	if !ok {
		return nil
	}
	if w.ignored(ev.Name) {
		return nil
	}

	if op == event.OpCreated {
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			// Files may land in the new directory before the watch is in
			// place, so emit what is already there.
			return w.addTree(n, ev.Name, true)
		}
	}

	w.notify(ev.Name, op)
	return nil
}

// addTree adds root and every non-ignored directory below it. With
// emitFiles, existing regular files are reported as created.
func (w *Watcher) addTree(n notifier, root string, emitFiles bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("failed to walk %s: %w", root, err)
			}
			w.logger.Warn("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path != w.root && w.ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if err := n.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			return nil
		}
		if emitFiles && d.Type().IsRegular() {
			w.notify(path, event.OpCreated)
		}
		return nil
	})
}

package watcher

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/mschirtzinger/vaultd/internal/event"
)

type fileState struct {
	size    int64
	modTime time.Time
}

type change struct {
	path string
	op   event.Op
}

// scan snapshots every non-ignored regular file under the root.
func (w *Watcher) scan() map[string]fileState {
	files := make(map[string]fileState)
	err := afero.Walk(w.fs, w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == w.root {
				return err
			}
			w.logger.Debug("poll: skipping unreadable path", "path", path, "error", err)
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path != w.root && w.ignored(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() {
			files[path] = fileState{size: info.Size(), modTime: info.ModTime()}
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("poll: scan failed", "root", w.root, "error", err)
	}
	return files
}

// diffSnapshots returns the changes between two scans in path order.
func diffSnapshots(prev, next map[string]fileState) []change {
	var out []change
	for path, cur := range next {
		old, ok := prev[path]
		switch {
		case !ok:
			out = append(out, change{path, event.OpCreated})
		case old.size != cur.size || !old.modTime.Equal(cur.modTime):
			out = append(out, change{path, event.OpModified})
		}
	}
	for path := range prev {
		if _, ok := next[path]; !ok {
			out = append(out, change{path, event.OpDeleted})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// resync emits every change between since and the current tree and
// returns the current tree.
func (w *Watcher) resync(since map[string]fileState) (map[string]fileState, int) {
	next := w.scan()
	changes := diffSnapshots(since, next)
	for _, c := range changes {
		w.notify(c.path, c.op)
	}
	return next, len(changes)
}

// runPoll rescans the tree every poll interval until done is closed.
// With a baseline, changes since it are reported straight away. Polling
// never gives up.
func (w *Watcher) runPoll(done <-chan struct{}, baseline map[string]fileState) {
	w.setMode(ModePoll)
	w.logger.Info("polling vault", "interval", w.cfg.PollInterval)

	prev := baseline
	if prev == nil {
		prev = w.scan()
	} else {
		var missed int
		prev, missed = w.resync(baseline)
		w.logger.Info("reported changes made while the watcher was down", "count", missed)
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			prev, _ = w.resync(prev)
		}
	}
}

// Package watch implements the watch CLI convenience (addition 4.8,
// SPEC_FULL.md §4.8): re-run the executor automatically whenever a file
// named in any tracked record's meta.computation.deps changes on disk.
//
// fsnotify watches directories rather than individual files (editors save
// by rename-and-replace, which a file-level watch misses), so Watcher
// tracks the set of directories containing a watched dependency and
// filters events down to exact dep paths. This is the same directory-level
// watch + path-filter shape the teacher's now-removed internal/server used
// for live-reloading the browser DAG viewer on repository changes.
package watch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/artiflow/artiflow/internal/record"
)

// DebounceWindow coalesces a burst of filesystem events (a save often fires
// write+chmod+rename in quick succession) into a single change
// notification.
const DebounceWindow = 150 * time.Millisecond

// Watcher watches a set of dependency paths for changes.
type Watcher struct {
	fsw  *fsnotify.Watcher
	deps map[string]bool // absolute dep paths being watched
}

// New creates a Watcher with no paths yet being watched.
func New() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{fsw: fsw, deps: make(map[string]bool)}, nil
}

// Close releases the underlying OS watch handles.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// WatchDeps adds every dependency path named in records' meta.computation
// blocks to the watch set, deduplicating paths already watched and
// directories already being watched on their behalf.
func (w *Watcher) WatchDeps(records []*record.Record) error {
	dirs := make(map[string]bool)
	for _, rec := range records {
		if !rec.HasComputation() {
			continue
		}
		for _, dep := range rec.Meta.Computation.Deps {
			abs, err := filepath.Abs(dep.Path)
			if err != nil {
				return err
			}
			w.deps[abs] = true
			dirs[filepath.Dir(abs)] = true
		}
	}
	for dir := range dirs {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
	}
	return nil
}

// Run blocks, calling onChange once per debounced burst of events touching
// a watched dependency path, until ctx is cancelled or the watcher's event
// channel closes. onChange receives the set of dep paths that changed
// since the last call.
func (w *Watcher) Run(ctx context.Context, onChange func(changed []string)) error {
	pending := make(map[string]bool)
	var timer *time.Timer
	var fire <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		changed := make([]string, 0, len(pending))
		for p := range pending {
			changed = append(changed, p)
		}
		pending = make(map[string]bool)
		onChange(changed)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || !w.deps[abs] {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			pending[abs] = true
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(DebounceWindow)
			fire = timer.C

		case <-fire:
			fire = nil
			flush()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

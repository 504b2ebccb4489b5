// Package watch follows the artifacts a directory sink writes.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/e7canasta/camgrab/sink"
)

// Event reports a slot artifact written or removed.
type Event struct {
	Slot    int
	Path    string
	Removed bool
	At      time.Time
}

// Watcher reports slot artifacts appearing in one directory.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// New starts watching dir. Events are delivered by Run.
func New(dir string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch: add %s: %w", dir, err)
	}
	return &Watcher{dir: dir, watcher: w, logger: logger}, nil
}

// Run calls fn for every slot artifact created, rewritten or removed until ctx
// is done. Files that are not slot artifacts are ignored. The watcher is closed
// when Run returns.
func (w *Watcher) Run(ctx context.Context, fn func(Event)) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			slot, isSlot := sink.ParseSlot(filepath.Base(ev.Name))
			if !isSlot {
				continue
			}
			switch {
			case ev.Op&fsnotify.Create == fsnotify.Create || ev.Op&fsnotify.Write == fsnotify.Write:
				fn(Event{Slot: slot, Path: ev.Name, At: time.Now()})
			case ev.Op&fsnotify.Remove == fsnotify.Remove:
				fn(Event{Slot: slot, Path: ev.Name, Removed: true, At: time.Now()})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch: watcher error", "dir", w.dir, "error", err)
		}
	}
}

// Close stops watching without running.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

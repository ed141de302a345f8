// Package watcher wakes the dispatcher early when the state file changes,
// so answers recorded by `whs answer` are consumed without waiting out the
// tick interval.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/whs-run/whs/internal/log"
)

// defaultDebounce coalesces bursts of writes (temp file + rename) into one
// wake-up.
const defaultDebounce = 250 * time.Millisecond

// Watcher emits a signal when the watched file changes.
type Watcher struct {
	path     string
	debounce time.Duration
	fsw      *fsnotify.Watcher
	events   chan struct{}
}

// New watches the given file. The parent directory is watched rather than
// the file itself because atomic saves replace the inode on every write.
func New(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		path:     path,
		debounce: defaultDebounce,
		fsw:      fsw,
		events:   make(chan struct{}, 1),
	}, nil
}

// Events returns the wake-up channel. At most one signal is buffered;
// consumers that are already awake lose nothing.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Run pumps filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			_ = w.fsw.Close()
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case w.events <- struct{}{}:
			default:
			}
			log.Debug(log.CatState, "state file changed, waking dispatcher", "path", w.path)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatState, "watcher error", err)
		}
	}
}

package skills

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the loader when any watched skill directory changes.
// Events are debounced so an editor save (write + chmod + rename) triggers
// a single rescan.
type Watcher struct {
	loader   *Loader
	fw       *fsnotify.Watcher
	debounce time.Duration
}

func NewWatcher(loader *Loader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range loader.dirs {
		if dir == "" {
			continue
		}
		if err := fw.Add(dir); err != nil {
			slog.Warn("skills: cannot watch dir", "dir", dir, "error", err)
		}
	}
	return &Watcher{loader: loader, fw: fw, debounce: 200 * time.Millisecond}, nil
}

// Run blocks until ctx is cancelled, reloading on filesystem changes.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fw.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("skills: watch error", "error", err)
		case <-fire:
			timer = nil
			fire = nil
			w.loader.Reload()
		}
	}
}

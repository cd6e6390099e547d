package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports changes to a single file. The parent directory is watched
// so editors that replace the file via rename are still observed.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher creates a watcher for path. Bursts of events within debounce
// collapse into one notification.
func NewWatcher(path string, debounce time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: path, debounce: debounce, logger: logger}
}

// Run blocks until ctx is done, calling onChange after the file is written,
// created or renamed into place. Moving the file away is not a change.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	target := filepath.Clean(w.path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// A rename into place arrives as Create on the target.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if w.debounce <= 0 {
				onChange()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			onChange()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.String("path", w.path), zap.Error(err))
		}
	}
}

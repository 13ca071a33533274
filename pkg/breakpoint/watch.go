package breakpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 200 * time.Millisecond

// Watcher reloads a Manager when its store file changes on disk.
// The store directory is watched rather than the file itself because the
// file is replaced by rename on every write.
type Watcher struct {
	manager  *Manager
	path     string
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher creates a watcher for the manager's store.
func NewWatcher(m *Manager) (*Watcher, error) {
	if m.store == nil {
		return nil, fmt.Errorf("breakpoint manager has no store to watch")
	}
	path, err := filepath.Abs(m.store.Path())
	if err != nil {
		return nil, fmt.Errorf("resolving store path: %w", err)
	}
	return &Watcher{
		manager:  m,
		path:     path,
		debounce: watchDebounce,
		logger:   m.logger.Named("watch"),
	}, nil
}

// Run watches for store changes and reloads the manager. Blocks until ctx
// is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	w.logger.Info("watching url breakpoint store", zap.String("path", w.path))

	debounce := time.NewTimer(w.debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(w.debounce)

		case <-debounce.C:
			if err := w.manager.Reload(); err != nil {
				w.logger.Error("reloading url breakpoints", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("store watcher error", zap.Error(err))
		}
	}
}

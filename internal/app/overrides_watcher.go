package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wispbot/wisp/internal/config"
)

// overridesWatcher reloads the per-scope overrides file whenever it changes
// on disk, so operators can flip AI flags and probabilities without a
// restart.
type overridesWatcher struct {
	path     string
	resolver *config.Resolver
	logger   *slog.Logger
	debounce time.Duration
}

func newOverridesWatcher(path string, resolver *config.Resolver, logger *slog.Logger) *overridesWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &overridesWatcher{
		path:     path,
		resolver: resolver,
		logger:   logger,
		debounce: 500 * time.Millisecond,
	}
}

func (w *overridesWatcher) Start(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace the file on save
	// and a direct watch would die with the old inode.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.Info("watching overrides file", "path", w.path)

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := w.resolver.LoadFile(w.path); err != nil {
				w.logger.Warn("reload overrides failed", "path", w.path, "error", err)
			} else {
				w.logger.Info("overrides reloaded", "path", w.path)
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("overrides watch error", "error", watchErr)
		}
	}
}

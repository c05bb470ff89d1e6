package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch starts watching the configuration file at path and calls fn with the
// re-loaded configuration each time the file is written or replaced, until
// ctx is done. Configurations that fail to load are logged and skipped.
//
// The parent directory is watched so that editors replacing the file by
// rename are picked up.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	name := filepath.Clean(path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				slog.Debug("Configuration changed", slog.String("path", path), slog.String("op", ev.Op.String()))
				cfg, err := LoadFile(path)
				if err != nil {
					slog.Error("Failed to reload configuration", slog.String("path", path), slog.Any("error", err))
					continue
				}
				fn(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("Configuration watcher error", slog.Any("error", err))
			}
		}
	}()

	return nil
}

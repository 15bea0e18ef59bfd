package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the manager whenever the config file changes on disk.
// Editors typically rename-and-replace, so the watch is on the parent
// directory and filtered by name. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, mgr Manager, validate func(old, new *Config) error, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	want := filepath.Base(path)

	// Debounce bursts of write events from a single save.
	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != want {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		case <-reload:
			old := mgr.Get()
			loaded, err := Load(path)
			if err != nil {
				logger.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			if validate != nil {
				if err := validate(old, loaded); err != nil {
					logger.Error("config reload rejected", "error", err)
					continue
				}
			}
			mgr.Set(loaded)
			logger.Info("config reloaded", "path", path)
		}
	}
}

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports a change to the config file. Cfg and Err are the result
// of re-loading it.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
	Cfg  Config
	Err  error
}

// Watcher reloads the config file when it changes on disk. The registry is
// sealed once the manager runs, so consumers decide whether a change needs a
// restart by comparing fingerprints.
type Watcher struct {
	path   string
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:   path,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the directory holding the config file, so editors that
// replace the file by rename are still seen. Events stop when ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	target := filepath.Clean(w.path)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if _, err := os.Stat(target); err != nil {
					continue
				}
				cfg, err := Load(target)
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String(), "valid", err == nil)
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op, Cfg: cfg, Err: err}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

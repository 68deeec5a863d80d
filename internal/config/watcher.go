package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports that a config file changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher emits ReloadEvent values when config.yaml changes under
// homeDir, so a running process can pick up operator edits without a
// restart.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

// NewWatcher builds a Watcher rooted at homeDir. A nil logger falls
// back to slog.Default.
func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

// Events returns the channel of reload notifications. It is closed
// when the watcher's context is canceled.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching config.yaml in a background goroutine. It
// returns once the underlying fsnotify watcher is armed; events are
// delivered asynchronously until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	path := filepath.Join(w.homeDir, "config.yaml")
	if err := fsw.Add(path); err != nil {
		w.logger.Warn("config watcher: file not present yet, watching directory instead", "path", path, "error", err)
		_ = fsw.Add(w.homeDir)
	}

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
				if filepath.Base(ev.Name) != "config.yaml" {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
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

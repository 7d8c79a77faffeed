package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the config file whenever it changes on disk and hands the
// freshly validated Config to a callback. Invalid edits are logged and ignored
// so a typo never takes down a running service.
type Watcher struct {
	path     string
	onChange func(*Config)
}

// NewWatcher creates a watcher for the file at path. An empty path means the
// service runs from defaults and env vars only, and Start becomes a no-op.
func NewWatcher(path string, onChange func(*Config)) *Watcher {
	return &Watcher{path: path, onChange: onChange}
}

// Start begins watching. It returns an error only if the initial read fails.
func (w *Watcher) Start() error {
	if w.path == "" {
		return nil
	}
	v, err := newViper(w.path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		w.onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

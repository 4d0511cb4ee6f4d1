package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Reload carries a freshly loaded config, or the error that prevented it.
type Reload struct {
	Path   string
	Config Config
	Err    error
}

// Watcher reloads config.yaml whenever it is written or replaced.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan Reload
	last    string
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan Reload, 16),
	}
}

func (w *Watcher) Events() <-chan Reload {
	return w.events
}

// Start watches the home directory rather than the file itself so editors
// that replace the file by rename are still seen. The channel is closed
// when ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	if cfg, err := LoadFrom(w.homeDir); err == nil {
		w.last = cfg.Fingerprint()
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

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
				w.reload(ev)
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

func (w *Watcher) reload(ev fsnotify.Event) {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		w.logger.Warn("config reload failed", "path", ev.Name, "error", err)
		w.send(Reload{Path: ev.Name, Err: err})
		return
	}
	fp := cfg.Fingerprint()
	if fp == w.last {
		return
	}
	w.last = fp
	w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String(), "fingerprint", fp)
	w.send(Reload{Path: ev.Name, Config: cfg})
}

func (w *Watcher) send(r Reload) {
	select {
	case w.events <- r:
	default:
	}
}

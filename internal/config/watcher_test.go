package config_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/basket/clawtask/internal/config"
)

func TestWatcher_ReloadsOnConfigChange(t *testing.T) {
	home := t.TempDir()
	path := config.ConfigPath(home)
	if err := os.WriteFile(path, []byte("workers: 1\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher notices; fsnotify readiness varies
	// by platform.
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	if err := os.WriteFile(path, []byte("workers: 4\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}
	for {
		select {
		case r := <-w.Events():
			if r.Err != nil {
				t.Fatalf("unexpected reload error: %v", r.Err)
			}
			if r.Config.Workers != 4 {
				t.Fatalf("expected reloaded workers=4, got %d", r.Config.Workers)
			}
			return
		case <-tick.C:
			_ = os.WriteFile(path, []byte("workers: 4\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for reload")
		}
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	home := t.TempDir()
	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	if err := os.WriteFile(home+"/notes.txt", []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case r := <-w.Events():
		t.Fatalf("unexpected reload for unrelated file: %+v", r)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel not closed after cancel")
	}
}

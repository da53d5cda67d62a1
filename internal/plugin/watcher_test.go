package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsAfterChange(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "alpha")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan string, 4)
	w, err := NewWatcher(WatcherConfig{
		Root:     root,
		Debounce: 50 * time.Millisecond,
		Reload: func(ctx context.Context, name string) error {
			reloaded <- name
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte(`name = "alpha"`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case name := <-reloaded:
		if name != "alpha" {
			t.Errorf("reload for %q, want %q", name, "alpha")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after plugin file change")
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "alpha")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan string, 16)
	w, err := NewWatcher(WatcherConfig{
		Root:     root,
		Debounce: 100 * time.Millisecond,
		Reload: func(ctx context.Context, name string) error {
			reloaded <- name
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	// A burst of writes inside one debounce window.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte(`name = "alpha"`), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after burst")
	}

	// The burst must collapse to a single reload.
	select {
	case name := <-reloaded:
		t.Errorf("second reload for %q, want one reload per burst", name)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherPluginName(t *testing.T) {
	root := t.TempDir()
	w := &Watcher{root: root}

	tests := []struct {
		path string
		want string
	}{
		{filepath.Join(root, "alpha", "init.lua"), "alpha"},
		{filepath.Join(root, "alpha", "lib", "util.lua"), "alpha"},
		{filepath.Join(root, "beta"), "beta"},
		{root, ""},
		{filepath.Join(filepath.Dir(root), "outside"), ""},
	}

	for _, tt := range tests {
		if got := w.pluginName(tt.path); got != tt.want {
			t.Errorf("pluginName(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

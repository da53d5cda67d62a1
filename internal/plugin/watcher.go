package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dquist/codesage/internal/log"
)

// DefaultDebounce is how long the watcher waits after the last write to a
// plugin's directory before triggering a reload. Editors and package
// managers touch several files in quick succession; one reload per burst
// is enough.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc is invoked with a plugin name after its files settle.
type ReloadFunc func(ctx context.Context, name string) error

// Watcher observes the user-local plugin directory and triggers reloads
// when plugin files change. Only the local source is watched: builtin and
// packaged plugins change through installs, not edits.
type Watcher struct {
	mu sync.Mutex

	root     string
	fsw      *fsnotify.Watcher
	reload   ReloadFunc
	debounce time.Duration
	logger   *log.Logger

	// pending holds one timer per plugin name awaiting its debounce window.
	pending map[string]*time.Timer

	closed  bool
	closeCh chan struct{}
	done    sync.WaitGroup
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Root is the local plugin directory to observe.
	Root string

	// Reload is called once per plugin after changes settle.
	Reload ReloadFunc

	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration

	// Logger defaults to log.NullLogger.
	Logger *log.Logger
}

// NewWatcher creates and starts a watcher over cfg.Root. The root and its
// immediate plugin subdirectories are registered; new plugin directories
// are picked up as they appear.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NullLogger
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     cfg.Root,
		fsw:      fsw,
		reload:   cfg.Reload,
		debounce: cfg.Debounce,
		logger:   cfg.Logger.WithComponent("plugin.watcher"),
		pending:  make(map[string]*time.Timer),
		closeCh:  make(chan struct{}),
	}

	if err := fsw.Add(cfg.Root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	entries, err := os.ReadDir(cfg.Root)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = fsw.Add(filepath.Join(cfg.Root, entry.Name()))
			}
		}
	}

	w.done.Add(1)
	go w.run()

	return w, nil
}

// Close stops the watcher and cancels any pending reloads.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	for name, timer := range w.pending {
		timer.Stop()
		delete(w.pending, name)
	}
	w.mu.Unlock()

	w.done.Wait()
	return w.fsw.Close()
}

func (w *Watcher) run() {
	defer w.done.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	// New plugin directory under the root: start watching it.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if filepath.Dir(event.Name) == w.root {
				_ = w.fsw.Add(event.Name)
			}
		}
	}

	name := w.pluginName(event.Name)
	if name == "" {
		return
	}
	w.schedule(name)
}

// pluginName maps a changed path to the plugin directory it belongs to.
func (w *Watcher) pluginName(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	return parts[0]
}

// schedule resets the plugin's debounce timer; the reload fires once the
// directory has been quiet for the full window.
func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if timer, ok := w.pending[name]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, name)
		closed := w.closed
		w.mu.Unlock()
		if closed || w.reload == nil {
			return
		}

		w.logger.Info("plugin %q changed, reloading", name)
		if err := w.reload(context.Background(), name); err != nil {
			w.logger.Warn("reload of %q failed: %v", name, err)
		}
	})
}

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 750 * time.Millisecond

// Watcher monitors the bridge config file and invokes a reload callback
// whenever it changes, debounced to absorb editor save-sequences (rename +
// create, multiple writes).
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(context.Context, *BridgeFile) error

	mu      sync.Mutex
	timer   *time.Timer
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	stopOne sync.Once
}

// WatcherOption customizes Watcher behavior.
type WatcherOption func(*Watcher)

// WithWatchDebounce overrides the default debounce window.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher constructs a config-file watcher. onReload is invoked with the
// freshly-loaded config after each debounced change; a non-nil error is
// logged and does not stop the watcher.
func NewWatcher(path string, onReload func(context.Context, *BridgeFile) error, opts ...WatcherOption) (*Watcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("config watcher: onReload required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	w := &Watcher{
		path:     filepath.Clean(abs),
		debounce: defaultWatchDebounce,
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching the config file's containing directory.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.fsw != nil {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.fsw = fsw
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		w.mu.Lock()
		w.fsw = nil
		w.mu.Unlock()
		return fmt.Errorf("watch config dir %q: %w", dir, err)
	}

	go w.loop()
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop terminates the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOne.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.fsw != nil {
			_ = w.fsw.Close()
			w.fsw = nil
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("bridge.config.watch_error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name == "" {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Clean(event.Name) != w.path {
		return
	}
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		cfg, err := Load(w.path)
		if err != nil {
			slog.Warn("bridge.config.reload_failed", "path", w.path, "error", err)
			return
		}
		if err := w.onReload(context.Background(), cfg); err != nil {
			slog.Warn("bridge.config.reload_apply_failed", "path", w.path, "error", err)
		}
	})
}

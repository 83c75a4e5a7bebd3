package registry

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rudironsoni/synaxis/internal/events"
)

// Watcher hot-reloads the registry when its file changes. A failed reload
// keeps the previous snapshot in effect.
type Watcher struct {
	registry *Registry
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	bus      *events.Bus
	logger   *slog.Logger
	onReload func()
	stopCh   chan struct{}

	mu           sync.Mutex
	pendingTimer *time.Timer
}

// WatcherOption configures optional Watcher behaviour.
type WatcherOption func(*Watcher)

// WithBus publishes a registry_reload event after each successful reload.
func WithBus(bus *events.Bus) WatcherOption {
	return func(w *Watcher) { w.bus = bus }
}

// WithOnReload runs after each successful reload, for re-wiring dependents
// (quota limits, probe targets).
func WithOnReload(fn func()) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// WithDebounce overrides the default 500ms debounce window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher watches the registry file's directory. Watching the directory
// rather than the file survives editors and config tools that replace the
// file atomically (write temp + rename).
func NewWatcher(registry *Registry, path string, logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		registry: registry,
		path:     path,
		watcher:  fsWatcher,
		debounce: 500 * time.Millisecond,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	return w, nil
}

// Start begins watching in a goroutine.
func (w *Watcher) Start() {
	go w.run()
}

// Stop ends watching and releases the fsnotify handle.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("registry watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	relevant := event.Op&fsnotify.Write != 0 ||
		event.Op&fsnotify.Create != 0 ||
		event.Op&fsnotify.Rename != 0
	if !relevant {
		return
	}

	// Debounce: editors fire bursts of events per save.
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.pendingTimer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	if err := w.registry.LoadFile(w.path); err != nil {
		w.logger.Error("registry reload failed, keeping previous snapshot",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("registry reloaded", slog.String("path", w.path))
	if w.onReload != nil {
		w.onReload()
	}
	if w.bus != nil {
		w.bus.Publish(events.Event{Type: events.EventRegistry, Reason: w.path})
	}
}

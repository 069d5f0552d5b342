package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"yqhp/coordinator/pkg/logger"
)

// Watcher holds the live configuration snapshot and refreshes it when the
// backing file changes. Snapshots are immutable: a reload builds a fresh
// Config and swaps the pointer, readers never see a half-applied change.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]

	fsw      *fsnotify.Watcher
	onReload []func(*Config)

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped sync.Once
}

// NewWatcher loads the initial snapshot from path and prepares the file
// watch. Call Start to begin reloading on change.
func NewWatcher(path string, initial *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	w := &Watcher{
		path:   path,
		fsw:    fsw,
		stopCh: make(chan struct{}),
	}
	w.current.Store(initial)

	// Watch the directory: editors and config writers typically replace
	// the file via rename, which drops a watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	return w, nil
}

// Current returns the live snapshot. Callers must treat it as read-only.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnReload registers a callback invoked with each new snapshot.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Start begins watching for file changes.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop stops watching. The last snapshot stays readable.
func (w *Watcher) Stop() {
	w.stopped.Do(func() {
		close(w.stopCh)
		_ = w.fsw.Close()
	})
}

func (w *Watcher) watchLoop() {
	// Debounce: a single save often produces several events.
	debounce := time.NewTimer(0)
	<-debounce.C
	pending := false

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			pending = true
			debounce.Reset(100 * time.Millisecond)

		case <-debounce.C:
			if !pending {
				continue
			}
			pending = false
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// reload parses and validates the file; an invalid file keeps the previous
// snapshot in place.
func (w *Watcher) reload() {
	cfg, err := LoadFromFile(w.path)
	if err != nil {
		logger.Warn("config reload failed, keeping previous snapshot",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		logger.Warn("config reload rejected by validation, keeping previous snapshot",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	w.current.Store(cfg)
	logger.Info("configuration reloaded", zap.String("path", w.path))

	w.mu.Lock()
	callbacks := append(([]func(*Config))(nil), w.onReload...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}

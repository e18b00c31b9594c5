package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// WatcherLogger is the subset of the application logger the watcher needs.
type WatcherLogger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopWatcherLogger struct{}

func (nopWatcherLogger) Info(string, ...any)  {}
func (nopWatcherLogger) Error(string, ...any) {}

// Watcher reloads the config file when it changes on disk and hands each
// valid result to the registered callbacks.
//
// The parent directory is watched rather than the file, so editors that
// save by writing a temp file and renaming it over the original keep
// triggering reloads.
type Watcher struct {
	fs         *fsnotify.Watcher
	configPath string
	overrides  map[string]interface{}
	debounce   time.Duration
	logger     WatcherLogger

	mu        sync.Mutex
	callbacks []func(*Config)

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for a burst of file events
// to settle before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload results.
func WithWatcherLogger(l WatcherLogger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithOverrides re-applies overrides on every reload so command line flags
// keep precedence over the edited file.
func WithOverrides(overrides map[string]interface{}) WatcherOption {
	return func(w *Watcher) {
		w.overrides = overrides
	}
}

// NewWatcher prepares a watcher for configPath. Nothing is watched until
// Watch is called.
func NewWatcher(configPath string, opts ...WatcherOption) (*Watcher, error) {
	if configPath == "" {
		return nil, errors.New("config path is required for watching")
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fs:         fs,
		configPath: filepath.Clean(configPath),
		debounce:   defaultDebounce,
		logger:     nopWatcherLogger{},
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch blocks until ctx is done or Stop is called. Reloads and callbacks
// run on the calling goroutine, one at a time in registration order.
func (w *Watcher) Watch(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("watcher is already running")
	}
	defer w.running.Store(false)

	if _, err := os.Stat(w.configPath); err != nil {
		return fmt.Errorf("watch %s: %w", w.configPath, err)
	}
	if err := w.fs.Add(filepath.Dir(w.configPath)); err != nil {
		return fmt.Errorf("watch %s: %w", w.configPath, err)
	}

	settle := time.NewTimer(w.debounce)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.configPath || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			settle.Reset(w.debounce)
		case <-settle.C:
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// reload loads the file and runs the callbacks. An invalid file is logged
// and the previous configuration stays in effect.
func (w *Watcher) reload() {
	cfg, err := NewLoader().Load(w.configPath, w.overrides)
	if err != nil {
		w.logger.Error("config reload rejected", "path", w.configPath, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.configPath)

	w.mu.Lock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		w.notify(cb, cfg)
	}
}

func (w *Watcher) notify(cb func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("config callback panic", "panic", r)
		}
	}()
	cb(cfg)
}

// OnChange registers a callback for every successful reload.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Stop ends Watch and releases the fsnotify handle. Safe to call twice.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fs.Close()
	})
	return err
}

// IsRunning reports whether Watch is active.
func (w *Watcher) IsRunning() bool {
	return w.running.Load()
}

// ConfigPath returns the watched file.
func (w *Watcher) ConfigPath() string {
	return w.configPath
}

// HotReloadableConfig holds the settings applied to a running process
// without a restart.
type HotReloadableConfig struct {
	LogLevel     string
	Enabled      bool
	CrossSession bool
	Retention    RetentionConfig
}

// ExtractHotReloadable picks the hot-reloadable settings out of cfg.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:     cfg.Log.Level,
		Enabled:      cfg.Memory.Enabled,
		CrossSession: cfg.Memory.CrossSession,
		Retention:    cfg.Memory.Retention,
	}
}

// Changed reports whether other differs from h.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h != other
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Info(string, ...any) {}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestNewWatcher(t *testing.T) {
	t.Run("requires path", func(t *testing.T) {
		_, err := NewWatcher("")
		require.Error(t, err)
	})

	t.Run("applies options", func(t *testing.T) {
		w, err := NewWatcher("config.yaml", WithDebounce(time.Second))
		require.NoError(t, err)
		defer w.Stop()
		assert.Equal(t, time.Second, w.debounce)
		assert.Equal(t, "config.yaml", w.ConfigPath())
		assert.False(t, w.IsRunning())
	})
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "log:\n  level: info\n")

	w, err := NewWatcher(path, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Stop()

	received := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { received <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()
	require.Eventually(t, w.IsRunning, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	writeConfig(t, path, "log:\n  level: debug\nmemory:\n  cross_session: true\n")

	select {
	case cfg := <-received:
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.True(t, cfg.Memory.CrossSession)
	case <-time.After(3 * time.Second):
		t.Fatal("expected callback after config change")
	}
}

func TestWatcher_InvalidReloadKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "log:\n  level: info\n")

	logger := &recordingLogger{}
	w, err := NewWatcher(path, WithDebounce(20*time.Millisecond), WithWatcherLogger(logger))
	require.NoError(t, err)
	defer w.Stop()

	var calls int
	var mu sync.Mutex
	w.OnChange(func(*Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()
	require.Eventually(t, w.IsRunning, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	writeConfig(t, path, "log:\n  level: loud\n")

	require.Eventually(t, func() bool { return logger.count() > 0 }, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()
}

func TestWatcher_StopsOnContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "app:\n  name: test\n")

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	require.Eventually(t, w.IsRunning, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func TestWatcher_PreventsDoubleWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "app:\n  name: test\n")

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Stop()

	go func() { _ = w.Watch(context.Background()) }()
	require.Eventually(t, w.IsRunning, time.Second, 10*time.Millisecond)

	assert.Error(t, w.Watch(context.Background()))
}

func TestWatcher_StopTwice(t *testing.T) {
	w, err := NewWatcher("config.yaml")
	require.NoError(t, err)
	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestWatcher_NonExistentFile(t *testing.T) {
	w, err := NewWatcher("/nonexistent/config.yaml")
	require.NoError(t, err)
	defer w.Stop()

	assert.Error(t, w.Watch(context.Background()))
}

func TestWatcher_CallbacksRunInOrderAndSurvivePanics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "app:\n  name: first\n")

	logger := &recordingLogger{}
	w, err := NewWatcher(path, WithDebounce(20*time.Millisecond), WithWatcherLogger(logger))
	require.NoError(t, err)
	defer w.Stop()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 1)
	w.OnChange(func(*Config) {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
		panic("boom")
	})
	w.OnChange(func(cfg *Config) {
		mu.Lock()
		order = append(order, "b:"+cfg.App.Name)
		mu.Unlock()
		done <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()
	require.Eventually(t, w.IsRunning, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	writeConfig(t, path, "app:\n  name: second\n")

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected callbacks after config change")
	}
	mu.Lock()
	require.GreaterOrEqual(t, len(order), 2)
	assert.Equal(t, []string{"a", "b:second"}, order[:2])
	mu.Unlock()
	assert.GreaterOrEqual(t, logger.count(), 1)
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "app:\n  name: test\n")

	w, err := NewWatcher(path, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Stop()

	called := make(chan struct{}, 1)
	w.OnChange(func(*Config) { called <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()
	require.Eventually(t, w.IsRunning, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	writeConfig(t, filepath.Join(dir, "other.yaml"), "app:\n  name: other\n")

	select {
	case <-called:
		t.Fatal("reload triggered by an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestHotReloadableConfig(t *testing.T) {
	cfg := DefaultConfig()
	base := ExtractHotReloadable(cfg)
	assert.Equal(t, "info", base.LogLevel)
	assert.True(t, base.Enabled)
	assert.Equal(t, 30, base.Retention.RetentionDays)
	assert.False(t, base.Changed(ExtractHotReloadable(cfg)))

	cfg.Memory.Retention.MaxSizeMB = 10
	assert.True(t, base.Changed(ExtractHotReloadable(cfg)))

	cfg = DefaultConfig()
	cfg.Memory.CrossSession = true
	assert.True(t, base.Changed(ExtractHotReloadable(cfg)))
}

package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval used by [NewWatcher] unless
// [WithInterval] is given.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and calls a callback with the previous and the
// new config whenever a valid new version appears. Use [Diff] inside the
// callback to separate live-reloadable settings from those that need a
// restart. Invalid versions are logged and ignored.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	// overrides are re-applied to every reloaded file so that command-line
	// values keep precedence.
	overrides Overrides

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOverrides makes the watcher apply o to every version it loads.
func WithOverrides(o Overrides) WatcherOption {
	return func(w *Watcher) {
		w.overrides = o
	}
}

// NewWatcher loads path once and returns a Watcher holding that version.
// Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, sum, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.sum, w.mtime = cfg, sum, mtime
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its modification time and content changed.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, sum, mtime, err := w.read()
	if err != nil {
		slog.Warn("config watcher: ignoring invalid config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if sum == w.sum {
		w.mtime = mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.sum, w.mtime = cfg, sum, mtime
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads and validates the file, returning it with its SHA-256 and
// modification time.
func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg.Apply(w.overrides)
	if err := Validate(cfg); err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}

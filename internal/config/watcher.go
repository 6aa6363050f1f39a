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

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 2 * time.Second

// ChangeFunc receives a newly loaded configuration and its difference from
// the one it replaces.
type ChangeFunc func(cfg *Config, d ConfigDiff)

// Watcher reloads a config file when its content changes. An edit that does
// not parse or validate is reported once and the previous configuration
// stays current until the file is fixed.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	// reloadMu serialises reloads between Run and Reload.
	reloadMu sync.Mutex

	mu       sync.Mutex
	current  *Config
	modTime  time.Time
	size     int64
	digest   [sha256.Size]byte
	rejected [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a Watcher for it. Polling starts with
// [Watcher.Run].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(snap.data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.modTime, w.size, w.digest = snap.modTime, snap.size, snap.digest
	return w, nil
}

// Current returns the most recently accepted configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done and returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w.unchangedStat() {
				continue
			}
			if _, err := w.Reload(); err != nil {
				slog.Debug("config reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

// Reload reads the file now, regardless of its modification time. It
// reports whether a new configuration was accepted. The change callback runs
// before Reload returns.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	snap, err := w.read()
	if err != nil {
		return false, fmt.Errorf("config: reload %q: %w", w.path, err)
	}

	w.mu.Lock()
	w.modTime, w.size = snap.modTime, snap.size
	same := snap.digest == w.digest
	seenBad := snap.digest == w.rejected
	w.mu.Unlock()
	if same {
		return false, nil
	}

	cfg, err := LoadFromReader(bytes.NewReader(snap.data))
	if err != nil {
		if !seenBad {
			slog.Warn("config edit rejected, keeping previous configuration", "path", w.path, "err", err)
		}
		w.mu.Lock()
		w.rejected = snap.digest
		w.mu.Unlock()
		return false, fmt.Errorf("config: reload %q: %w", w.path, err)
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.digest = snap.digest
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"prompt_changed", d.PromptChanged,
		"restart_fields", d.RestartFields,
	)
	if w.onChange != nil {
		w.onChange(cfg, d)
	}
	return true, nil
}

type snapshot struct {
	data    []byte
	modTime time.Time
	size    int64
	digest  [sha256.Size]byte
}

func (w *Watcher) read() (snapshot, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{
		data:    data,
		modTime: info.ModTime(),
		size:    info.Size(),
		digest:  sha256.Sum256(data),
	}, nil
}

// unchangedStat reports whether the file's size and modification time match
// the last read. Stat failures count as a change so Reload can report them.
func (w *Watcher) unchangedStat() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return info.ModTime().Equal(w.modTime) && info.Size() == w.size
}

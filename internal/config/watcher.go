package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// defaultPollInterval is how often the watcher stats the config file.
const defaultPollInterval = 5 * time.Second

// snapshot is one successfully parsed read of the config file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher polls a config file and invokes a callback when its content
// changes. Polling keeps the engine free of platform notification quirks;
// a config file changes rarely enough that a 5 s stat loop costs nothing.
//
// A file rewritten with identical content is not a change: the watcher
// compares content hashes, not timestamps, before firing the callback.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu   sync.Mutex
	last snapshot

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides the poll interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once, then polls it in a background goroutine until
// [Watcher.Stop]. The initial load must succeed; after that, unreadable or
// invalid rewrites are logged and skipped while the last good config stays
// in effect.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.last = snap

	go w.run()
	return w, nil
}

// Current returns the most recently applied valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Path returns the watched file path.
func (w *Watcher) Path() string { return w.path }

// Stop ends the poll loop. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Reload re-reads the file now instead of waiting for the next poll. Unlike
// the poll loop, a failed read is returned to the caller; the current config
// stays in effect either way. The ops reload endpoint calls this.
func (w *Watcher) Reload() error {
	snap, err := w.read()
	if err != nil {
		return err
	}
	w.apply(snap)
	return nil
}

func (w *Watcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick is one poll round: a stat fast path, then a full read when the mtime
// moved.
func (w *Watcher) tick() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.last.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	snap, err := w.read()
	if err != nil {
		slog.Warn("config watcher: file changed but did not load", "path", w.path, "err", err)
		return
	}
	w.apply(snap)
}

// apply installs snap if its content differs from the current config and
// reports whether it did. The callback runs outside the lock so it may call
// [Watcher.Current].
func (w *Watcher) apply(snap snapshot) bool {
	w.mu.Lock()
	if snap.sum == w.last.sum {
		// Touched, content identical. Remember the mtime so the fast
		// path stays quiet.
		w.last.mtime = snap.mtime
		w.mu.Unlock()
		return false
	}
	old := w.last.cfg
	w.last = snap
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
	return true
}

// read parses and validates the file, returning it with the content hash and
// mtime used for change detection.
func (w *Watcher) read() (snapshot, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return snapshot{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return snapshot{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return snapshot{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}

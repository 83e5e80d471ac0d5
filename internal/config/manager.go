package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Status is a snapshot of the manager's reload bookkeeping, readable through
// Manager.Status without requiring callers to hold the current *Config.
type Status struct {
	Path        string
	Checksum    string
	LoadedAt    time.Time
	ReloadCount int
}

// Manager handles configuration loading and hot-reload. It uses atomic
// pointer swaps to ensure thread-safe config updates: readers never block on
// a reload in progress and never observe a partially-applied config.
type Manager struct {
	config   atomic.Pointer[Config]
	path     string
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	logger   *slog.Logger

	status atomic.Pointer[Status]
}

// NewManager loads path once and returns a Manager ready to serve Get().
// Call Watch to enable hot-reload.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, checksum, err := loadWithChecksum(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		logger: logger,
	}
	m.config.Store(cfg)
	m.status.Store(&Status{Path: path, Checksum: checksum, LoadedAt: now(), ReloadCount: 1})

	return m, nil
}

// Get returns the current configuration. Safe to call concurrently.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Status returns a snapshot of the manager's reload bookkeeping.
func (m *Manager) Status() Status {
	return *m.status.Load()
}

// OnChange registers a callback invoked after every successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.onChange = append(m.onChange, fn)
}

// Reload synchronously reparses the config file and, on success, swaps it
// in. A parse or validation failure leaves the current config untouched.
func (m *Manager) Reload() error {
	cfg, checksum, err := loadWithChecksum(m.path)
	if err != nil {
		return err
	}

	m.config.Store(cfg)
	prev := m.status.Load()
	m.status.Store(&Status{
		Path:        m.path,
		Checksum:    checksum,
		LoadedAt:    now(),
		ReloadCount: prev.ReloadCount + 1,
	})

	for _, fn := range m.onChange {
		fn(cfg)
	}
	return nil
}

// Watch starts watching the configuration file for changes, debouncing
// rapid successive writes (editors often write via rename-into-place, which
// fires multiple events for a single logical change).
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	// Watch the parent directory rather than the file: a rename-into-place
	// replaces the file's inode, which would silently end a file watch.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := m.Reload(); err != nil {
						m.logger.Error("failed to reload config, keeping current", "error", err)
					} else {
						m.logger.Info("configuration reloaded successfully")
					}
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// Close stops the configuration watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func loadWithChecksum(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(data)

	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, hex.EncodeToString(sum[:]), nil
}

// now is a seam so tests could stub the clock if ever needed; production
// code always uses the wall clock.
var now = time.Now

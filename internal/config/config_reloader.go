package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce collapses the burst of events editors emit on save.
const reloadDebounce = 50 * time.Millisecond

// ConfigReloader re-reads the config file on change or SIGHUP and hands the
// new configuration to a callback. Settings that would invalidate stored
// data or open connections are refused and need a restart.
type ConfigReloader struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	signals  chan os.Signal
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	current  *Config
	onReload func(old, new *Config) error
}

// NewConfigReloader creates a reloader. An empty path disables file
// watching; SIGHUP still triggers a reload.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: cfg,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		// Watch the directory so atomic rename-on-save is seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback sets the function applied to each accepted reload.
// A callback error keeps the previous configuration.
func (r *ConfigReloader) SetOnReloadCallback(fn func(old, new *Config) error) {
	r.mu.Lock()
	r.onReload = fn
	r.mu.Unlock()
}

// GetCurrentConfig returns the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Start runs the reload loop until Stop is called.
func (r *ConfigReloader) Start() {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	var debounce <-chan time.Time
	target := filepath.Clean(r.path)

	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)
		case <-debounce:
			debounce = nil
			r.reload("file change")
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Config watcher error")
		case <-r.signals:
			r.reload("SIGHUP")
		}
	}
}

// Stop ends the reload loop and releases the watcher.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.done)
		if r.watcher != nil {
			_ = r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload(trigger string) {
	log := r.logger.WithField("trigger", trigger)

	newConfig, err := LoadConfig(r.path)
	if err != nil {
		log.WithError(err).Error("Config reload failed; keeping current configuration")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current
	if err := r.validateReloadSafety(old, newConfig); err != nil {
		log.WithError(err).Warn("Config reload refused; restart to apply")
		return
	}
	if r.onReload != nil {
		if err := r.onReload(old, newConfig); err != nil {
			log.WithError(err).Error("Config reload callback failed; keeping current configuration")
			return
		}
	}
	r.current = newConfig
	log.Info("Configuration reloaded")
}

// validateReloadSafety refuses changes that cannot be applied to a running
// process without breaking stored data or live connections.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	if old.Encryption.MasterKey != new.Encryption.MasterKey {
		return fmt.Errorf("encryption.master_key cannot be changed during hot reload; use key rotation")
	}
	if old.Encryption.KeyFile != new.Encryption.KeyFile {
		return fmt.Errorf("encryption.key_file cannot be changed during hot reload")
	}
	if old.Encryption.KeyVersion != new.Encryption.KeyVersion {
		return fmt.Errorf("encryption.key_version cannot be changed during hot reload")
	}
	if old.Encryption.Algorithm != new.Encryption.Algorithm {
		return fmt.Errorf("encryption.algorithm cannot be changed during hot reload")
	}
	if old.Encryption.KDFIterations != new.Encryption.KDFIterations {
		return fmt.Errorf("encryption.kdf_iterations cannot be changed during hot reload")
	}
	if old.Database.DSN != new.Database.DSN {
		return fmt.Errorf("database.dsn cannot be changed during hot reload")
	}
	if old.Storage != new.Storage {
		return fmt.Errorf("storage cannot be changed during hot reload")
	}
	if old.Auth.JWTSecret != new.Auth.JWTSecret {
		return fmt.Errorf("auth.jwt_secret cannot be changed during hot reload")
	}
	return nil
}

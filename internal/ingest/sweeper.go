package ingest

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTempDir is the private directory used for plaintext temp
// artifacts when none is configured. The sweeper deletes matching files in
// its directory, so it must not be a directory shared with other software.
func DefaultTempDir() string {
	return filepath.Join(os.TempDir(), "file-custody")
}

// Sweeper removes plaintext temp artifacts left behind by crashed or
// interrupted uploads and downloads.
type Sweeper struct {
	dir    string
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time

	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a sweeper for temp files in dir older than ttl.
func NewSweeper(dir string, ttl time.Duration, logger *logrus.Logger) *Sweeper {
	return &Sweeper{
		dir:    dir,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Sweep deletes stale temp artifacts and returns how many were removed.
// Files that vanish concurrently are skipped silently.
func (s *Sweeper) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !isTempArtifact(e.Name()) {
			continue
		}
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			s.logger.WithError(err).WithField("file", e.Name()).Warn("Failed to stat temp file")
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		err = os.Remove(filepath.Join(s.dir, e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			s.logger.WithError(err).WithField("file", e.Name()).Warn("Failed to remove stale temp file")
			continue
		}
		removed++
	}
	return removed, nil
}

func isTempArtifact(name string) bool {
	return strings.HasPrefix(name, tempPrefix) || strings.HasPrefix(name, DownloadTempPrefix)
}

// Start runs Sweep every interval until Stop.
func (s *Sweeper) Start(interval time.Duration) {
	if interval <= 0 || !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				n, err := s.Sweep()
				if err != nil {
					s.logger.WithError(err).Warn("Temp sweep failed")
					continue
				}
				if n > 0 {
					s.logger.WithField("removed", n).Info("Removed stale temp files")
				}
			}
		}
	}()
}

// Stop ends the background loop and waits for it.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.started.Load() {
			<-s.done
		}
	})
}

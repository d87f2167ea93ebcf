package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kenneth/file-custody/internal/metrics"
)

// FileStore keeps objects as files in one directory.
type FileStore struct {
	dir     string
	metrics *metrics.Metrics
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(dir string, m *metrics.Metrics) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, metrics: m}, nil
}

func (s *FileStore) Name() string { return "local" }

func (s *FileStore) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key), nil
}

// Put writes to a temp file and renames it into place so readers never see
// a partial object.
func (s *FileStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		s.metrics.RecordBlobError("put", s.Name(), "create")
		return fmt.Errorf("failed to create temp object: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		s.metrics.RecordBlobError("put", s.Name(), "write")
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close object %s: %w", key, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		s.metrics.RecordBlobError("put", s.Name(), "rename")
		return fmt.Errorf("failed to commit object %s: %w", key, err)
	}

	s.metrics.RecordBlobOperation("put", s.Name())
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.metrics.RecordBlobError("get", s.Name(), "open")
		return nil, fmt.Errorf("failed to open object %s: %w", key, err)
	}
	s.metrics.RecordBlobOperation("get", s.Name())
	return f, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.metrics.RecordBlobError("delete", s.Name(), "remove")
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	s.metrics.RecordBlobOperation("delete", s.Name())
	return nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	return true, nil
}

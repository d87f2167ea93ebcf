package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/kenneth/file-custody/internal/crypto"
	"github.com/kenneth/file-custody/internal/metrics"
)

// Manager is the single Store and TokenStore handed to the rest of the
// service. It routes calls to the durable backend and switches to the
// in-memory backend for the rest of the process lifetime once the durable
// backend reports a connectivity failure.
//
// After a switch, writes are not durable and records written before the
// switch are not visible until restart.
type Manager struct {
	primary  Backend
	fallback Backend
	degraded atomic.Bool
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

var (
	_ Store      = (*Manager)(nil)
	_ TokenStore = (*Manager)(nil)
)

// NewManager creates a manager. primary may be nil, in which case the
// fallback serves every call from the start.
func NewManager(primary Backend, fallback Backend, logger *logrus.Logger, m *metrics.Metrics) *Manager {
	if fallback == nil {
		fallback = NewMemoryBackend()
	}
	if logger == nil {
		logger = logrus.New()
	}
	mgr := &Manager{primary: primary, fallback: fallback, logger: logger, metrics: m}
	if primary == nil {
		mgr.degraded.Store(true)
		logger.Warn("No durable metadata store configured; using non-durable in-memory store")
	}
	return mgr
}

// Open connects to the database named by dsn, runs migrations and returns
// a manager. If the database cannot be reached the manager starts on the
// in-memory backend. An empty dsn means in-memory only.
func Open(ctx context.Context, dsn string, logger *logrus.Logger, m *metrics.Metrics) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if dsn == "" {
		return NewManager(nil, nil, logger, m), nil
	}

	dialect := DialectForDSN(dsn)
	driverName := "pgx"
	if dialect == DialectSQLite {
		driverName = "sqlite"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		logger.WithError(err).WithField("dialect", dialect).Warn("Metadata database unreachable at startup; falling back to in-memory store")
		m.RecordStoreFallback("startup")
		return NewManager(nil, nil, logger, m), nil
	}

	backend := NewSQLBackend(db, dialect)
	if err := backend.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.WithField("dialect", dialect).Info("Metadata store connected")
	return NewManager(backend, nil, logger, m), nil
}

// Backend returns the name of the backend currently serving calls.
func (m *Manager) Backend() string {
	if m.degraded.Load() {
		return m.fallback.Name()
	}
	return m.primary.Name()
}

// Durable reports whether the durable backend is serving calls.
func (m *Manager) Durable() bool {
	return !m.degraded.Load()
}

// Ping checks the active backend.
func (m *Manager) Ping(ctx context.Context) error {
	return m.do(ctx, "ping", func(b Backend) error { return b.Ping(ctx) })
}

// Close releases both backends.
func (m *Manager) Close() error {
	var errs []error
	if m.primary != nil {
		errs = append(errs, m.primary.Close())
	}
	errs = append(errs, m.fallback.Close())
	return errors.Join(errs...)
}

func (m *Manager) do(ctx context.Context, op string, fn func(Backend) error) error {
	if !m.degraded.Load() {
		err := fn(m.primary)
		if err == nil || !IsUnavailable(err) {
			return err
		}
		if m.degraded.CompareAndSwap(false, true) {
			m.logger.WithError(err).WithField("operation", op).Warn("Metadata database unavailable; switching to non-durable in-memory store")
			m.metrics.RecordStoreFallback(op)
		}
	}
	return fn(m.fallback)
}

func (m *Manager) Get(ctx context.Context, id string) (*FileRecord, error) {
	var rec *FileRecord
	err := m.do(ctx, "get", func(b Backend) error {
		var err error
		rec, err = b.Get(ctx, id)
		return err
	})
	return rec, err
}

func (m *Manager) List(ctx context.Context, ownerID string, page Page, sort Sort) ([]*FileRecord, int, error) {
	var (
		recs  []*FileRecord
		total int
	)
	err := m.do(ctx, "list", func(b Backend) error {
		var err error
		recs, total, err = b.List(ctx, ownerID, page, sort)
		return err
	})
	return recs, total, err
}

func (m *Manager) Put(ctx context.Context, record *FileRecord) error {
	return m.do(ctx, "put", func(b Backend) error { return b.Put(ctx, record) })
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.do(ctx, "delete", func(b Backend) error { return b.Delete(ctx, id) })
}

// ListSecrets and ReplaceSecrets never fall back. Once a durable backend
// has failed, the in-memory backend holds only part of the secrets, and a
// rotation over that part would strand the rest under a retired key.
func (m *Manager) ListSecrets(ctx context.Context) ([]crypto.WrappedSecret, error) {
	var out []crypto.WrappedSecret
	err := m.doDurable(ctx, "list_secrets", func(b Backend) error {
		var err error
		out, err = b.ListSecrets(ctx)
		return err
	})
	return out, err
}

func (m *Manager) ReplaceSecrets(ctx context.Context, secrets []crypto.WrappedSecret) error {
	return m.doDurable(ctx, "replace_secrets", func(b Backend) error { return b.ReplaceSecrets(ctx, secrets) })
}

// doDurable runs fn on the primary only. Without a configured primary the
// in-memory backend is the whole store and serves the call.
func (m *Manager) doDurable(ctx context.Context, op string, fn func(Backend) error) error {
	if m.primary == nil {
		return fn(m.fallback)
	}
	if m.degraded.Load() {
		return fmt.Errorf("%w: %s refused while running on the in-memory fallback", ErrUnavailable, op)
	}
	err := fn(m.primary)
	if err == nil || !IsUnavailable(err) {
		return err
	}
	if m.degraded.CompareAndSwap(false, true) {
		m.logger.WithError(err).WithField("operation", op).Warn("Metadata database unavailable; switching to non-durable in-memory store")
		m.metrics.RecordStoreFallback(op)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (m *Manager) InsertToken(ctx context.Context, token *DownloadToken) error {
	return m.do(ctx, "insert_token", func(b Backend) error { return b.InsertToken(ctx, token) })
}

func (m *Manager) ConsumeToken(ctx context.Context, token, fileID string, now time.Time) (bool, error) {
	var ok bool
	err := m.do(ctx, "consume_token", func(b Backend) error {
		var err error
		ok, err = b.ConsumeToken(ctx, token, fileID, now)
		return err
	})
	return ok, err
}

func (m *Manager) DeleteStaleTokens(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := m.do(ctx, "delete_stale_tokens", func(b Backend) error {
		var err error
		n, err = b.DeleteStaleTokens(ctx, now)
		return err
	})
	return n, err
}

// IsUnavailable reports whether err indicates the backend cannot be reached.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

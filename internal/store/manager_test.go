package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/file-custody/internal/crypto"
	"github.com/kenneth/file-custody/internal/metrics"
)

// flakyBackend wraps a memory backend and fails every call with err once
// broken is set.
type flakyBackend struct {
	*MemoryBackend
	err    error
	broken bool
}

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) Get(ctx context.Context, id string) (*FileRecord, error) {
	if f.broken {
		return nil, f.err
	}
	return f.MemoryBackend.Get(ctx, id)
}

func (f *flakyBackend) Put(ctx context.Context, r *FileRecord) error {
	if f.broken {
		return f.err
	}
	return f.MemoryBackend.Put(ctx, r)
}

func (f *flakyBackend) ConsumeToken(ctx context.Context, token, fileID string, now time.Time) (bool, error) {
	if f.broken {
		return false, f.err
	}
	return f.MemoryBackend.ConsumeToken(ctx, token, fileID, now)
}

func (f *flakyBackend) ListSecrets(ctx context.Context) ([]crypto.WrappedSecret, error) {
	if f.broken {
		return nil, f.err
	}
	return f.MemoryBackend.ListSecrets(ctx)
}

func (f *flakyBackend) ReplaceSecrets(ctx context.Context, secrets []crypto.WrappedSecret) error {
	if f.broken {
		return f.err
	}
	return f.MemoryBackend.ReplaceSecrets(ctx, secrets)
}

func TestManager_FallsBackOnConnectivityError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	primary := &flakyBackend{MemoryBackend: NewMemoryBackend(), err: fmt.Errorf("query: %w", driver.ErrBadConn)}
	mgr := NewManager(primary, nil, logger, m)
	ctx := context.Background()

	require.NoError(t, mgr.Put(ctx, encryptedRecord("f1", "u1", "", "a.txt", 1, time.Now())))
	assert.True(t, mgr.Durable())
	assert.Equal(t, "flaky", mgr.Backend())

	primary.broken = true

	err := mgr.Put(ctx, encryptedRecord("f2", "u1", "", "b.txt", 1, time.Now()))
	require.NoError(t, err, "connectivity failure must not reach the caller")
	assert.False(t, mgr.Durable())
	assert.Equal(t, "memory", mgr.Backend())

	got, err := mgr.Get(ctx, "f2")
	require.NoError(t, err)
	assert.Equal(t, "b.txt", got.OriginalName)

	// Further calls go straight to memory; the switch is logged once.
	_, _ = mgr.Get(ctx, "f2")
	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
	count, err := testutil.GatherAndCount(reg, "metadata_store_fallbacks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestManager_NonConnectivityErrorsPropagate(t *testing.T) {
	logger, _ := test.NewNullLogger()
	primary := &flakyBackend{MemoryBackend: NewMemoryBackend(), err: errors.New("syntax error"), broken: true}
	mgr := NewManager(primary, nil, logger, nil)

	_, err := mgr.Get(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax error")
	assert.True(t, mgr.Durable())
}

func TestManager_TokenConsumeSurvivesFallback(t *testing.T) {
	logger, _ := test.NewNullLogger()
	primary := &flakyBackend{MemoryBackend: NewMemoryBackend(), err: &net.OpError{Op: "dial", Err: errors.New("refused")}, broken: true}
	mgr := NewManager(primary, nil, logger, nil)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, mgr.InsertToken(ctx, &DownloadToken{Token: "t", FileID: "f", UserID: "u", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))
	ok, err := mgr.ConsumeToken(ctx, "t", "f", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = mgr.ConsumeToken(ctx, "t", "f", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_SecretsNeverFallBack(t *testing.T) {
	logger, _ := test.NewNullLogger()
	primary := &flakyBackend{MemoryBackend: NewMemoryBackend(), err: fmt.Errorf("query: %w", driver.ErrBadConn)}
	mgr := NewManager(primary, nil, logger, nil)
	ctx := context.Background()

	require.NoError(t, mgr.Put(ctx, encryptedRecord("f1", "u1", "", "a.txt", 1, time.Now())))
	secrets, err := mgr.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Len(t, secrets, 1)

	primary.broken = true
	_, err = mgr.ListSecrets(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, mgr.Durable())

	// Still refused after the switch, even though the fallback is reachable.
	primary.broken = false
	_, err = mgr.ListSecrets(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, mgr.ReplaceSecrets(ctx, secrets), ErrUnavailable)
}

func TestManager_SecretsServedWithoutPrimary(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mgr := NewManager(nil, nil, logger, nil)
	ctx := context.Background()

	require.NoError(t, mgr.Put(ctx, encryptedRecord("f1", "u1", "", "a.txt", 1, time.Now())))
	secrets, err := mgr.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Len(t, secrets, 1)
	assert.NoError(t, mgr.ReplaceSecrets(ctx, secrets))
}

func TestManager_RotationRefusedWhenDatabaseDrops(t *testing.T) {
	logger, _ := test.NewNullLogger()
	primary := &flakyBackend{MemoryBackend: NewMemoryBackend(), err: fmt.Errorf("query: %w", driver.ErrBadConn)}
	mgr := NewManager(primary, nil, logger, nil)
	ctx := context.Background()

	engine, err := crypto.NewEngine(crypto.AlgorithmAES256GCM, 0)
	require.NoError(t, err)
	oldKey := []byte("rotation-master-key-1")
	custody, err := crypto.NewKeyCustody(engine, oldKey, 1, mgr, logger)
	require.NoError(t, err)

	rec := encryptedRecord("f1", "u1", "", "a.txt", 1, time.Now())
	err = custody.WrapAndPersist(map[string][]byte{crypto.SlotFileKey: []byte("file-key")}, func(w map[string]*crypto.Envelope) error {
		rec.Secrets = w
		return mgr.Put(ctx, rec)
	})
	require.NoError(t, err)

	primary.broken = true
	_, err = custody.RotateMasterKey(ctx, oldKey, []byte("rotation-master-key-2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, custody.KeyVersion())

	primary.broken = false
	durable, err := primary.MemoryBackend.ListSecrets(ctx)
	require.NoError(t, err)
	require.Len(t, durable, 1)
	assert.Equal(t, 1, durable[0].Envelope.KeyVersion)
	got, err := custody.UnwrapSecret(durable[0].Envelope)
	require.NoError(t, err)
	assert.Equal(t, "file-key", string(got))
}

func TestManager_NoPrimary(t *testing.T) {
	logger, hook := test.NewNullLogger()
	mgr := NewManager(nil, nil, logger, nil)
	assert.False(t, mgr.Durable())
	assert.Equal(t, "memory", mgr.Backend())
	require.NotEmpty(t, hook.Entries)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.NoError(t, mgr.Ping(context.Background()))
	assert.NoError(t, mgr.Close())
}

func TestOpen_EmptyDSN(t *testing.T) {
	mgr, err := Open(context.Background(), "", nil, nil)
	require.NoError(t, err)
	assert.False(t, mgr.Durable())
}

func TestIsUnavailable(t *testing.T) {
	assert.True(t, IsUnavailable(driver.ErrBadConn))
	assert.True(t, IsUnavailable(fmt.Errorf("wrapped: %w", ErrUnavailable)))
	assert.True(t, IsUnavailable(&net.OpError{Op: "read", Err: errors.New("reset")}))
	assert.False(t, IsUnavailable(errors.New("unique violation")))
	assert.False(t, IsUnavailable(nil))
	assert.False(t, IsUnavailable(ErrNotFound))
}

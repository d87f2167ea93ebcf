// Package tokens issues and redeems single-use download tokens.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/file-custody/internal/metrics"
	"github.com/kenneth/file-custody/internal/store"
)

const (
	// DefaultTTL is how long an issued token stays valid.
	DefaultTTL = time.Hour
	// DefaultCleanupInterval is how often stale tokens are purged.
	DefaultCleanupInterval = 10 * time.Minute

	tokenBytes = 32
)

// ErrTokenInvalid covers every reason a token cannot be redeemed. The
// specific cause is never exposed to callers.
var ErrTokenInvalid = errors.New("invalid or expired download token")

// Issued is a freshly issued token.
type Issued struct {
	Token     string
	FileID    string
	ExpiresAt time.Time
}

// Service manages the token lifecycle on top of a TokenStore.
type Service struct {
	store   store.TokenStore
	ttl     time.Duration
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewService creates a token service. ttl <= 0 uses DefaultTTL.
func NewService(ts store.TokenStore, ttl time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		store:   ts,
		ttl:     ttl,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Issue creates a token that lets userID download fileID once.
func (s *Service) Issue(ctx context.Context, fileID, userID string) (*Issued, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := s.now()
	t := &store.DownloadToken{
		Token:     token,
		FileID:    fileID,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.InsertToken(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	s.metrics.RecordTokenEvent("issued", 1)
	return &Issued{Token: token, FileID: fileID, ExpiresAt: t.ExpiresAt}, nil
}

// ValidateAndConsume redeems the token for fileID. It returns
// ErrTokenInvalid if the token is unknown, bound to another file, already
// used or expired. Only one concurrent caller can succeed.
func (s *Service) ValidateAndConsume(ctx context.Context, token, fileID string) error {
	if token == "" || fileID == "" {
		s.metrics.RecordTokenEvent("rejected", 1)
		return ErrTokenInvalid
	}
	ok, err := s.store.ConsumeToken(ctx, token, fileID, s.now())
	if err != nil {
		s.logger.WithError(err).WithField("file_id", fileID).Error("Token consume failed")
		s.metrics.RecordTokenEvent("rejected", 1)
		return ErrTokenInvalid
	}
	if !ok {
		s.metrics.RecordTokenEvent("rejected", 1)
		return ErrTokenInvalid
	}
	s.metrics.RecordTokenEvent("consumed", 1)
	return nil
}

// Cleanup removes consumed and expired tokens.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteStaleTokens(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.RecordTokenEvent("cleaned", int(n))
		s.logger.WithField("removed", n).Debug("Purged stale download tokens")
	}
	return n, nil
}

// Start runs Cleanup every interval until Stop is called.
func (s *Service) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if _, err := s.Cleanup(ctx); err != nil {
					s.logger.WithError(err).Warn("Download token cleanup failed")
				}
				cancel()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop ends the cleanup loop started by Start and waits for it to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.started.Load() {
			<-s.done
		}
	})
}

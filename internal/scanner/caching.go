package scanner

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/file-custody/internal/cache"
)

// CachingScanner remembers verdicts so identical content is scanned once.
// Entries are keyed by content hash and file name, since name rules take
// part in the verdict.
type CachingScanner struct {
	next   Scanner
	cache  *cache.Cache[Result]
	logger *logrus.Logger
}

// NewCachingScanner wraps next with a verdict cache.
func NewCachingScanner(next Scanner, maxItems int, ttl time.Duration, logger *logrus.Logger) *CachingScanner {
	return &CachingScanner{
		next:   next,
		cache:  cache.New[Result](maxItems, ttl),
		logger: logger,
	}
}

func (s *CachingScanner) Scan(ctx context.Context, path string, data []byte) (*Result, error) {
	hash := HashContent(data)
	key := hash + ":" + strings.ToLower(filepath.Base(path))

	if cached, ok := s.cache.Get(key); ok {
		s.logger.WithField("file_hash", hash).Debug("Scan verdict served from cache")
		res := cloneResult(cached)
		return &res, nil
	}

	res, err := s.next.Scan(ctx, path, data)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, cloneResult(*res), 0)
	return res, nil
}

// Stats exposes cache statistics.
func (s *CachingScanner) Stats() cache.Stats {
	return s.cache.Stats()
}

func cloneResult(r Result) Result {
	r.Threats = append([]string{}, r.Threats...)
	r.Warnings = append([]string{}, r.Warnings...)
	return r
}

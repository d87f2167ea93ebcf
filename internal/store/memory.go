package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kenneth/file-custody/internal/crypto"
)

// MemoryBackend keeps records and tokens in process memory.
//
// It is not durable: all files, secrets and tokens are lost when the
// process exits. It exists so the service keeps working while the
// database is unreachable.
type MemoryBackend struct {
	mu     sync.RWMutex
	files  map[string]*FileRecord
	tokens map[string]*DownloadToken
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		files:  make(map[string]*FileRecord),
		tokens: make(map[string]*DownloadToken),
	}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Ping(ctx context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) Get(ctx context.Context, id string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryBackend) List(ctx context.Context, ownerID string, page Page, srt Sort) ([]*FileRecord, int, error) {
	page = page.Normalize()
	srt = srt.Normalize()

	m.mu.RLock()
	matched := make([]*FileRecord, 0)
	for _, rec := range m.files {
		if rec.Status != StatusEncrypted {
			continue
		}
		if ownerID != "" && rec.UploadedBy != ownerID && rec.ClientID != ownerID {
			continue
		}
		matched = append(matched, rec)
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var less bool
		switch srt.Field {
		case SortOriginalName:
			less = strings.ToLower(a.OriginalName) < strings.ToLower(b.OriginalName)
		case SortFileSize:
			less = a.FileSize < b.FileSize
		default:
			less = a.UploadedAt.Before(b.UploadedAt)
		}
		if srt.Desc {
			return !less && !equalSortKey(a, b, srt.Field)
		}
		return less
	})

	total := len(matched)
	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}

	out := make([]*FileRecord, 0, end-start)
	for _, rec := range matched[start:end] {
		c := rec.Clone()
		c.Secrets = nil
		out = append(out, c)
	}
	return out, total, nil
}

func equalSortKey(a, b *FileRecord, field SortField) bool {
	switch field {
	case SortOriginalName:
		return strings.EqualFold(a.OriginalName, b.OriginalName)
	case SortFileSize:
		return a.FileSize == b.FileSize
	default:
		return a.UploadedAt.Equal(b.UploadedAt)
	}
}

func (m *MemoryBackend) Put(ctx context.Context, record *FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[record.ID] = record.Clone()
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[id]; !ok {
		return ErrNotFound
	}
	delete(m.files, id)
	return nil
}

func (m *MemoryBackend) ListSecrets(ctx context.Context) ([]crypto.WrappedSecret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []crypto.WrappedSecret
	for id, rec := range m.files {
		for slot, env := range rec.Secrets {
			out = append(out, crypto.WrappedSecret{FileID: id, Slot: slot, Envelope: cloneEnvelope(env)})
		}
	}
	return out, nil
}

// ReplaceSecrets updates existing secrets in one critical section. Secrets
// whose file no longer exists are skipped.
func (m *MemoryBackend) ReplaceSecrets(ctx context.Context, secrets []crypto.WrappedSecret) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range secrets {
		rec, ok := m.files[s.FileID]
		if !ok {
			continue
		}
		if _, ok := rec.Secrets[s.Slot]; !ok {
			continue
		}
		rec.Secrets[s.Slot] = cloneEnvelope(s.Envelope)
	}
	return nil
}

func (m *MemoryBackend) InsertToken(ctx context.Context, token *DownloadToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := *token
	m.tokens[token.Token] = &t
	return nil
}

func (m *MemoryBackend) ConsumeToken(ctx context.Context, token, fileID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[token]
	if !ok || t.FileID != fileID || t.UsedAt != nil || now.After(t.ExpiresAt) {
		return false, nil
	}
	used := now
	t.UsedAt = &used
	return true, nil
}

func (m *MemoryBackend) DeleteStaleTokens(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, t := range m.tokens {
		if t.UsedAt != nil || now.After(t.ExpiresAt) {
			delete(m.tokens, k)
			n++
		}
	}
	return n, nil
}

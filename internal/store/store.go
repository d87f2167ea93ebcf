// Package store persists file records, their wrapped secrets and download
// tokens. A durable SQL backend is used when reachable; otherwise an
// in-process backend takes over. Only this package inspects which backend
// is active.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kenneth/file-custody/internal/crypto"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable marks a backend connectivity failure.
	ErrUnavailable = errors.New("metadata store unavailable")
	// ErrInvalidTransition is returned for a disallowed lifecycle change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the file metadata repository.
type Store interface {
	Get(ctx context.Context, id string) (*FileRecord, error)
	// List returns encrypted files owned by ownerID (as uploader or
	// client), or all encrypted files when ownerID is empty, plus the
	// total count before paging.
	List(ctx context.Context, ownerID string, page Page, sort Sort) ([]*FileRecord, int, error)
	// Put inserts or replaces the record together with its secrets.
	Put(ctx context.Context, record *FileRecord) error
	// Delete hard-deletes the record and its secrets.
	Delete(ctx context.Context, id string) error

	crypto.SecretRepository
}

// TokenStore persists download tokens.
type TokenStore interface {
	InsertToken(ctx context.Context, token *DownloadToken) error
	// ConsumeToken marks the token used if it exists for fileID, is unused
	// and has not expired at now. Exactly one concurrent caller gets true.
	ConsumeToken(ctx context.Context, token, fileID string, now time.Time) (bool, error)
	// DeleteStaleTokens removes consumed or expired tokens.
	DeleteStaleTokens(ctx context.Context, now time.Time) (int64, error)
}

// Backend is one concrete storage implementation.
type Backend interface {
	Store
	TokenStore
	Name() string
	Ping(ctx context.Context) error
	Close() error
}

package crypto

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// MinMasterKeyLength is the shortest master key accepted.
	MinMasterKeyLength = 12
	// MaxSecretSize bounds what may be passed to WrapSecret.
	MaxSecretSize = 1024
)

// Secret slots used for wrapped secrets belonging to a file.
const (
	SlotFileKey   = "file_key"
	SlotClientKey = "client_key"
	SlotClientIV  = "client_iv"
)

var (
	// ErrMasterKeyMismatch is returned when a rotation names an old key that
	// is not the active master key.
	ErrMasterKeyMismatch = errors.New("old master key does not match the active key")
	// ErrInvalidMasterKey is returned when a proposed master key is unusable.
	ErrInvalidMasterKey = errors.New("invalid master key")
)

// WrappedSecret is a short secret (file key, client key or client IV)
// encrypted under the master key and owned by one file.
type WrappedSecret struct {
	FileID   string
	Slot     string
	Envelope *Envelope
}

// SecretRepository lists and atomically replaces every wrapped secret.
// ReplaceSecrets must apply all updates or none.
type SecretRepository interface {
	ListSecrets(ctx context.Context) ([]WrappedSecret, error)
	ReplaceSecrets(ctx context.Context, secrets []WrappedSecret) error
}

// RotationResult summarizes a successful master key rotation.
type RotationResult struct {
	PreviousVersion int
	NewVersion      int
	Rewrapped       int
	Duration        time.Duration
}

// KeyCustody generates per-file keys and wraps short secrets under the
// master key.
type KeyCustody struct {
	engine  *Engine
	secrets SecretRepository
	logger  *logrus.Logger

	rotateMu   sync.Mutex
	mu         sync.RWMutex
	masterKey  []byte
	keyVersion int
}

// NewKeyCustody creates a custody component with the active master key and
// its version.
func NewKeyCustody(engine *Engine, masterKey []byte, keyVersion int, secrets SecretRepository, logger *logrus.Logger) (*KeyCustody, error) {
	if engine == nil {
		return nil, fmt.Errorf("encryption engine is required")
	}
	if len(masterKey) < MinMasterKeyLength {
		return nil, fmt.Errorf("master key must be at least %d characters", MinMasterKeyLength)
	}
	if keyVersion <= 0 {
		keyVersion = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &KeyCustody{
		engine:     engine,
		secrets:    secrets,
		logger:     logger,
		masterKey:  bytes.Clone(masterKey),
		keyVersion: keyVersion,
	}, nil
}

// GenerateFileKey returns a fresh, independent 256-bit key.
func (c *KeyCustody) GenerateFileKey() ([]byte, error) {
	key, err := randomBytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate file key: %w", err)
	}
	return key, nil
}

// KeyVersion returns the version of the active master key.
func (c *KeyCustody) KeyVersion() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keyVersion
}

// WrapSecret encrypts a short secret under the active master key.
func (c *KeyCustody) WrapSecret(secret []byte) (*Envelope, error) {
	if len(secret) > MaxSecretSize {
		return nil, fmt.Errorf("secret too large to wrap: %d bytes", len(secret))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	env, err := c.engine.Encrypt(secret, c.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap secret: %w", err)
	}
	env.KeyVersion = c.keyVersion
	return env, nil
}

// WrapAndPersist wraps each secret under the active master key and calls
// persist with the envelopes while still holding the key. A rotation cannot
// commit between the wrap and the write, so no secret is ever stored under
// a retired key. persist must not call back into the custody.
func (c *KeyCustody) WrapAndPersist(secrets map[string][]byte, persist func(map[string]*Envelope) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	wrapped := make(map[string]*Envelope, len(secrets))
	for slot, secret := range secrets {
		if len(secret) > MaxSecretSize {
			return fmt.Errorf("secret %s too large to wrap: %d bytes", slot, len(secret))
		}
		env, err := c.engine.Encrypt(secret, c.masterKey)
		if err != nil {
			return fmt.Errorf("failed to wrap %s: %w", slot, err)
		}
		env.KeyVersion = c.keyVersion
		wrapped[slot] = env
	}
	return persist(wrapped)
}

// UnwrapSecret decrypts a secret wrapped under the active master key.
func (c *KeyCustody) UnwrapSecret(env *Envelope) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if env != nil && env.KeyVersion != 0 && env.KeyVersion != c.keyVersion {
		return nil, fmt.Errorf("%w: secret wrapped under key version %d, active is %d", ErrIntegrity, env.KeyVersion, c.keyVersion)
	}
	return c.engine.Decrypt(env, c.masterKey)
}

// RotateMasterKey re-wraps every stored secret from oldKey to newKey.
//
// Phase one lists, unwraps, re-wraps and verifies a snapshot of the secrets
// without blocking wrap and unwrap calls. Phase two takes the write lock,
// re-wraps secrets stored since the snapshot, hands the full set to the
// repository in one atomic replace and only then swaps the active key. Any
// failure leaves both the repository and the active key untouched.
func (c *KeyCustody) RotateMasterKey(ctx context.Context, oldKey, newKey []byte) (*RotationResult, error) {
	if c.secrets == nil {
		return nil, fmt.Errorf("no secret repository configured")
	}
	if len(newKey) < MinMasterKeyLength {
		return nil, fmt.Errorf("%w: new master key must be at least %d characters", ErrInvalidMasterKey, MinMasterKeyLength)
	}
	if bytes.Equal(oldKey, newKey) {
		return nil, fmt.Errorf("%w: new master key must differ from the old key", ErrInvalidMasterKey)
	}

	// Only rotations change the key, so it stays fixed until this returns.
	c.rotateMu.Lock()
	defer c.rotateMu.Unlock()

	c.mu.RLock()
	matches := subtle.ConstantTimeCompare(oldKey, c.masterKey) == 1
	previous := c.keyVersion
	c.mu.RUnlock()
	if !matches {
		return nil, ErrMasterKeyMismatch
	}
	start := time.Now()
	nextVersion := previous + 1

	snapshot, err := c.secrets.ListSecrets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list wrapped secrets: %w", err)
	}
	done := make(map[string]rewrapped, len(snapshot))
	for _, s := range snapshot {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ws, err := c.rewrap(s, oldKey, newKey, nextVersion)
		if err != nil {
			return nil, err
		}
		done[s.FileID+"/"+s.Slot] = rewrapped{source: s.Envelope, secret: ws}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.secrets.ListSecrets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list wrapped secrets: %w", err)
	}
	out := make([]WrappedSecret, 0, len(current))
	late := 0
	for _, s := range current {
		if prior, ok := done[s.FileID+"/"+s.Slot]; ok && sameEnvelope(prior.source, s.Envelope) {
			out = append(out, prior.secret)
			continue
		}
		ws, err := c.rewrap(s, oldKey, newKey, nextVersion)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
		late++
	}

	if err := c.secrets.ReplaceSecrets(ctx, out); err != nil {
		return nil, fmt.Errorf("failed to commit rotated secrets: %w", err)
	}

	zeroBytes(c.masterKey)
	c.masterKey = bytes.Clone(newKey)
	c.keyVersion = nextVersion

	result := &RotationResult{
		PreviousVersion: previous,
		NewVersion:      nextVersion,
		Rewrapped:       len(out),
		Duration:        time.Since(start),
	}
	c.logger.WithFields(logrus.Fields{
		"previous_version": previous,
		"new_version":      nextVersion,
		"rewrapped":        len(out),
		"stored_during":    late,
	}).Warn("Master key rotated; update the configured master key and key version before restart")
	return result, nil
}

type rewrapped struct {
	source *Envelope
	secret WrappedSecret
}

// rewrap moves one secret from oldKey to newKey and verifies the result.
func (c *KeyCustody) rewrap(s WrappedSecret, oldKey, newKey []byte, version int) (WrappedSecret, error) {
	plain, err := c.engine.Decrypt(s.Envelope, oldKey)
	if err != nil {
		return WrappedSecret{}, fmt.Errorf("failed to unwrap %s/%s: %w", s.FileID, s.Slot, err)
	}
	defer zeroBytes(plain)

	env, err := c.engine.Encrypt(plain, newKey)
	if err != nil {
		return WrappedSecret{}, fmt.Errorf("failed to rewrap %s/%s: %w", s.FileID, s.Slot, err)
	}
	env.KeyVersion = version

	check, err := c.engine.Decrypt(env, newKey)
	if err != nil || !bytes.Equal(check, plain) {
		return WrappedSecret{}, fmt.Errorf("rewrap verification failed for %s/%s", s.FileID, s.Slot)
	}
	zeroBytes(check)
	return WrappedSecret{FileID: s.FileID, Slot: s.Slot, Envelope: env}, nil
}

func sameEnvelope(a, b *Envelope) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(a.Salt, b.Salt) && bytes.Equal(a.IV, b.IV) && bytes.Equal(a.Ciphertext, b.Ciphertext)
}

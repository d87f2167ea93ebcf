package crypto

import (
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinKDFIterations is the lowest PBKDF2 iteration count accepted for
	// encryption or decryption.
	MinKDFIterations = 100000

	// KeySize is the size of every derived and generated key (256 bits).
	KeySize = 32
	// SaltSize is the size of the random PBKDF2 salt.
	SaltSize = 32
	// IVSize is the AES-GCM IV size (96 bits).
	IVSize = 12
	// TagSize is the authentication tag size (128 bits).
	TagSize = 16

	// AssociatedData is bound into every AEAD operation. Ciphertext produced
	// under any other associated data will not verify.
	AssociatedData = "file-custody:envelope:v1"
)

// ErrIntegrity is returned when an envelope fails authentication or is
// malformed. Callers must treat it as a failed read; no plaintext is returned.
var ErrIntegrity = errors.New("integrity check failed")

// Envelope is the result of one encryption call. Everything except the
// ciphertext is non-secret and may be stored next to it in the clear.
type Envelope struct {
	Algorithm  string `json:"algorithm"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
	// Ciphertext is empty when the ciphertext lives in blob storage.
	Ciphertext []byte `json:"ciphertext,omitempty"`
	// KeyVersion records the master key version used for wrapped secrets.
	KeyVersion int `json:"keyVersion,omitempty"`
}

// Header returns a copy of the envelope without its ciphertext.
func (e *Envelope) Header() *Envelope {
	if e == nil {
		return nil
	}
	h := *e
	h.Ciphertext = nil
	return &h
}

// Engine performs password-based authenticated encryption of byte payloads.
type Engine struct {
	algorithm  string
	iterations int
}

// NewEngine creates an engine that encrypts with the given algorithm.
//
// Keys are derived from caller key material using PBKDF2-SHA512 with the
// given iteration count and a random salt per call.
func NewEngine(algorithm string, iterations int) (*Engine, error) {
	if algorithm == "" {
		algorithm = AlgorithmAES256GCM
	}
	if !IsAlgorithmSupported(algorithm) {
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
	if iterations == 0 {
		iterations = MinKDFIterations
	}
	if iterations < MinKDFIterations {
		return nil, fmt.Errorf("kdf iterations must be at least %d, got %d", MinKDFIterations, iterations)
	}
	return &Engine{algorithm: algorithm, iterations: iterations}, nil
}

// Algorithm returns the algorithm used for new encryptions.
func (e *Engine) Algorithm() string {
	return e.algorithm
}

// Encrypt encrypts plaintext under a key derived from keyMaterial.
// The returned ciphertext has the same length as plaintext; the tag is
// returned separately.
func (e *Engine) Encrypt(plaintext, keyMaterial []byte) (*Envelope, error) {
	if len(keyMaterial) == 0 {
		return nil, fmt.Errorf("key material cannot be empty")
	}

	salt, err := randomBytes(SaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	ivSize, err := NonceSize(e.algorithm)
	if err != nil {
		return nil, err
	}
	iv, err := randomBytes(ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	key := deriveKey(keyMaterial, salt, e.iterations)
	defer zeroBytes(key)

	aead, err := NewAEAD(e.algorithm, key)
	if err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, iv, plaintext, []byte(AssociatedData))
	split := len(sealed) - aead.Overhead()

	return &Envelope{
		Algorithm:  e.algorithm,
		Iterations: e.iterations,
		Salt:       salt,
		IV:         iv,
		Tag:        sealed[split:],
		Ciphertext: sealed[:split:split],
	}, nil
}

// Decrypt re-derives the key from keyMaterial and the envelope salt and
// opens the envelope. Any malformed field or failed verification yields
// ErrIntegrity.
func (e *Engine) Decrypt(env *Envelope, keyMaterial []byte) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	if len(keyMaterial) == 0 {
		return nil, fmt.Errorf("%w: empty key material", ErrIntegrity)
	}

	key := deriveKey(keyMaterial, env.Salt, env.Iterations)
	defer zeroBytes(key)

	aead, err := NewAEAD(env.Algorithm, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := aead.Open(nil, env.IV, sealed, []byte(AssociatedData))
	if err != nil {
		return nil, ErrIntegrity
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func validateEnvelope(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: missing envelope", ErrIntegrity)
	}
	ivSize, err := NonceSize(env.Algorithm)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	switch {
	case env.Iterations < MinKDFIterations:
		return fmt.Errorf("%w: invalid kdf iterations", ErrIntegrity)
	case len(env.Salt) != SaltSize:
		return fmt.Errorf("%w: invalid salt size %d", ErrIntegrity, len(env.Salt))
	case len(env.IV) != ivSize:
		return fmt.Errorf("%w: invalid iv size %d", ErrIntegrity, len(env.IV))
	case len(env.Tag) != TagSize:
		return fmt.Errorf("%w: invalid tag size %d", ErrIntegrity, len(env.Tag))
	}
	return nil
}

// deriveKey derives a 256-bit key from key material using PBKDF2-SHA512.
func deriveKey(keyMaterial, salt []byte, iterations int) []byte {
	return pbkdf2.Key(keyMaterial, salt, iterations, KeySize, sha512.New)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

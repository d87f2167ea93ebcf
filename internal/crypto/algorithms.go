package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmAES256GCM is the default AES-256-GCM algorithm.
	AlgorithmAES256GCM = "AES256-GCM"
	// AlgorithmChaCha20Poly1305 is the ChaCha20-Poly1305 algorithm.
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"

	chacha20KeySize   = chacha20poly1305.KeySize
	chacha20NonceSize = chacha20poly1305.NonceSize
)

// AEADCipher is an interface that wraps cipher.AEAD with algorithm name.
type AEADCipher interface {
	cipher.AEAD
	Algorithm() string
}

type aesGCMCipher struct {
	cipher.AEAD
}

func (c *aesGCMCipher) Algorithm() string {
	return AlgorithmAES256GCM
}

type chacha20Poly1305Cipher struct {
	cipher.AEAD
}

func (c *chacha20Poly1305Cipher) Algorithm() string {
	return AlgorithmChaCha20Poly1305
}

// NewAEAD creates an AEAD cipher for the given algorithm and raw 256-bit key.
// Both the server-side engine and the client-side module use it so the two
// paths share one construction.
func NewAEAD(algorithm string, key []byte) (AEADCipher, error) {
	switch algorithm {
	case AlgorithmAES256GCM:
		return newAESGCMCipher(key)
	case AlgorithmChaCha20Poly1305:
		return newChaCha20Poly1305Cipher(key)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

func newAESGCMCipher(key []byte) (AEADCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size for AES-256: expected %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aesGCMCipher{AEAD: gcm}, nil
}

func newChaCha20Poly1305Cipher(key []byte) (AEADCipher, error) {
	if len(key) != chacha20KeySize {
		return nil, fmt.Errorf("invalid key size for ChaCha20: expected %d bytes, got %d", chacha20KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &chacha20Poly1305Cipher{AEAD: aead}, nil
}

// NonceSize returns the IV size for the given algorithm.
func NonceSize(algorithm string) (int, error) {
	switch algorithm {
	case AlgorithmAES256GCM:
		return IVSize, nil
	case AlgorithmChaCha20Poly1305:
		return chacha20NonceSize, nil
	default:
		return 0, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

// IsAlgorithmSupported reports whether algorithm is one of the known AEADs.
func IsAlgorithmSupported(algorithm string) bool {
	return algorithm == AlgorithmAES256GCM || algorithm == AlgorithmChaCha20Poly1305
}

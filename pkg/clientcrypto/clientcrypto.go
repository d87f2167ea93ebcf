// Package clientcrypto encrypts files on the caller's side before upload and
// decrypts them after download. Nothing here runs inside the server.
//
// The format matches browser WebCrypto AES-GCM output: the 16-byte tag is
// appended to the ciphertext and no associated data is used.
package clientcrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/kenneth/file-custody/internal/crypto"
)

// Parameters of the client-side scheme. Lengths are in bits.
const (
	Algorithm = "AES-256-GCM"
	KeyBits   = 256
	IVBits    = 96
	TagBits   = 128
)

// ErrDecrypt is returned when ciphertext, key or IV do not authenticate.
var ErrDecrypt = errors.New("client-side decryption failed")

// Metadata describes an encrypted payload. It is sent with the upload.
type Metadata struct {
	OriginalName  string `json:"originalName"`
	MimeType      string `json:"mimeType"`
	OriginalSize  int64  `json:"originalSize"`
	EncryptedSize int64  `json:"encryptedSize"`
	Algorithm     string `json:"algorithm"`
	KeyLength     int    `json:"keyLength"`
	IVLength      int    `json:"ivLength"`
	TagLength     int    `json:"tagLength"`
}

// Encrypted is the result of EncryptFile. Key and IV are raw secrets; call
// Zero once they have been sent.
type Encrypted struct {
	Ciphertext []byte
	Key        []byte
	IV         []byte
	Metadata   Metadata
}

// Zero clears the key and IV.
func (e *Encrypted) Zero() {
	clear(e.Key)
	clear(e.IV)
}

// EncryptFile encrypts plaintext under a fresh random key and IV.
func EncryptFile(name, mimeType string, plaintext []byte) (*Encrypted, error) {
	key := make([]byte, KeyBits/8)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	iv := make([]byte, IVBits/8)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &Encrypted{
		Ciphertext: ciphertext,
		Key:        key,
		IV:         iv,
		Metadata: Metadata{
			OriginalName:  name,
			MimeType:      mimeType,
			OriginalSize:  int64(len(plaintext)),
			EncryptedSize: int64(len(ciphertext)),
			Algorithm:     Algorithm,
			KeyLength:     KeyBits,
			IVLength:      IVBits,
			TagLength:     TagBits,
		},
	}, nil
}

// DecryptFile reverses EncryptFile.
func DecryptFile(ciphertext, key, iv []byte) ([]byte, error) {
	if len(key) != KeyBits/8 {
		return nil, fmt.Errorf("%w: key must be %d bits", ErrDecrypt, KeyBits)
	}
	if len(iv) != IVBits/8 {
		return nil, fmt.Errorf("%w: iv must be %d bits", ErrDecrypt, IVBits)
	}
	if len(ciphertext) < TagBits/8 {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// newGCM shares the AEAD construction used by the service for
// server-side encryption.
func newGCM(key []byte) (cipher.AEAD, error) {
	aead, err := crypto.NewAEAD(crypto.AlgorithmAES256GCM, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return aead, nil
}

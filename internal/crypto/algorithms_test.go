package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestNewAEAD_AES256GCM(t *testing.T) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	aead, err := NewAEAD(AlgorithmAES256GCM, key)
	if err != nil {
		t.Fatalf("failed to create AES-GCM cipher: %v", err)
	}
	if aead.Algorithm() != AlgorithmAES256GCM {
		t.Fatalf("expected algorithm %s, got %s", AlgorithmAES256GCM, aead.Algorithm())
	}
	if aead.Overhead() != TagSize {
		t.Fatalf("expected %d byte tag, got %d", TagSize, aead.Overhead())
	}
	if aead.NonceSize() != IVSize {
		t.Fatalf("expected %d byte nonce, got %d", IVSize, aead.NonceSize())
	}
}

func TestNewAEAD_ChaCha20Poly1305(t *testing.T) {
	key := make([]byte, chacha20KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	aead, err := NewAEAD(AlgorithmChaCha20Poly1305, key)
	if err != nil {
		t.Fatalf("failed to create ChaCha20-Poly1305 cipher: %v", err)
	}
	if aead.Algorithm() != AlgorithmChaCha20Poly1305 {
		t.Fatalf("expected algorithm %s, got %s", AlgorithmChaCha20Poly1305, aead.Algorithm())
	}
}

func TestNewAEAD_InvalidInput(t *testing.T) {
	if _, err := NewAEAD("INVALID", make([]byte, KeySize)); err == nil {
		t.Fatal("expected error for invalid algorithm")
	}
	if _, err := NewAEAD(AlgorithmAES256GCM, make([]byte, 16)); err == nil {
		t.Fatal("expected error for 128-bit key")
	}
	if _, err := NewAEAD(AlgorithmChaCha20Poly1305, make([]byte, 31)); err == nil {
		t.Fatal("expected error for short ChaCha20 key")
	}
}

func TestNewAEAD_AssociatedDataBinding(t *testing.T) {
	key := make([]byte, KeySize)
	iv := make([]byte, IVSize)
	aead, err := NewAEAD(AlgorithmAES256GCM, key)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}

	sealed := aead.Seal(nil, iv, []byte("bound"), []byte(AssociatedData))
	if _, err := aead.Open(nil, iv, sealed, []byte("other-context")); err == nil {
		t.Fatal("expected open to fail under different associated data")
	}
	plain, err := aead.Open(nil, iv, sealed, []byte(AssociatedData))
	if err != nil || !bytes.Equal(plain, []byte("bound")) {
		t.Fatalf("expected open to succeed, got %v", err)
	}
}

func TestNonceSize(t *testing.T) {
	tests := []struct {
		algorithm string
		want      int
		wantErr   bool
	}{
		{AlgorithmAES256GCM, 12, false},
		{AlgorithmChaCha20Poly1305, 12, false},
		{"nope", 0, true},
	}
	for _, tt := range tests {
		got, err := NonceSize(tt.algorithm)
		if (err != nil) != tt.wantErr {
			t.Errorf("NonceSize(%q) err = %v, wantErr %v", tt.algorithm, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("NonceSize(%q) = %d, want %d", tt.algorithm, got, tt.want)
		}
	}
}

func TestIsAlgorithmSupported(t *testing.T) {
	if !IsAlgorithmSupported(AlgorithmAES256GCM) || !IsAlgorithmSupported(AlgorithmChaCha20Poly1305) {
		t.Fatal("known algorithms must be supported")
	}
	if IsAlgorithmSupported("AES128-CBC") {
		t.Fatal("unknown algorithm reported as supported")
	}
}

package crypto

import (
	"testing"
)

var benchKey = []byte("bench-file-key-material-0123456789")

func benchmarkEncrypt(b *testing.B, algorithm string, size int) {
	engine, err := NewEngine(algorithm, MinKDFIterations)
	if err != nil {
		b.Fatalf("Failed to create engine: %v", err)
	}

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}

	b.SetBytes(int64(size))
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := engine.Encrypt(data, benchKey); err != nil {
			b.Fatalf("Encryption failed: %v", err)
		}
	}
}

func benchmarkDecrypt(b *testing.B, algorithm string, size int) {
	engine, err := NewEngine(algorithm, MinKDFIterations)
	if err != nil {
		b.Fatalf("Failed to create engine: %v", err)
	}

	data := make([]byte, size)
	env, err := engine.Encrypt(data, benchKey)
	if err != nil {
		b.Fatalf("Encryption failed: %v", err)
	}

	b.SetBytes(int64(size))
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := engine.Decrypt(env, benchKey); err != nil {
			b.Fatalf("Decryption failed: %v", err)
		}
	}
}

// Each operation pays one PBKDF2 derivation, so small payloads measure the
// KDF and large payloads measure the cipher.
func BenchmarkEngine_Encrypt_1KB(b *testing.B) { benchmarkEncrypt(b, AlgorithmAES256GCM, 1<<10) }
func BenchmarkEngine_Encrypt_1MB(b *testing.B) { benchmarkEncrypt(b, AlgorithmAES256GCM, 1<<20) }
func BenchmarkEngine_Encrypt_16MB(b *testing.B) {
	benchmarkEncrypt(b, AlgorithmAES256GCM, 16<<20)
}
func BenchmarkEngine_Decrypt_1MB(b *testing.B) { benchmarkDecrypt(b, AlgorithmAES256GCM, 1<<20) }

func BenchmarkEngine_ChaCha20_Encrypt_1MB(b *testing.B) {
	benchmarkEncrypt(b, AlgorithmChaCha20Poly1305, 1<<20)
}

func BenchmarkKeyCustody_WrapUnwrap(b *testing.B) {
	engine, err := NewEngine(AlgorithmAES256GCM, MinKDFIterations)
	if err != nil {
		b.Fatalf("Failed to create engine: %v", err)
	}
	custody, err := NewKeyCustody(engine, []byte("bench-master-key-1234"), 1, nil, nil)
	if err != nil {
		b.Fatalf("Failed to create custody: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key, err := custody.GenerateFileKey()
		if err != nil {
			b.Fatal(err)
		}
		env, err := custody.WrapSecret(key)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := custody.UnwrapSecret(env); err != nil {
			b.Fatal(err)
		}
	}
}

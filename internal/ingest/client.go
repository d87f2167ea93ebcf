package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/file-custody/internal/audit"
	"github.com/kenneth/file-custody/internal/crypto"
	"github.com/kenneth/file-custody/internal/store"
)

// Client-side encryption parameters. Lengths are in bits.
const (
	ClientAlgorithm = "AES-256-GCM"
	ClientKeyBits   = 256
	ClientIVBits    = 96
	ClientTagBits   = 128
)

// ClientMetadata describes a payload the caller encrypted before upload.
type ClientMetadata struct {
	OriginalName  string `json:"originalName"`
	MimeType      string `json:"mimeType"`
	OriginalSize  int64  `json:"originalSize"`
	EncryptedSize int64  `json:"encryptedSize"`
	Algorithm     string `json:"algorithm"`
	KeyLength     int    `json:"keyLength"`
	IVLength      int    `json:"ivLength"`
	TagLength     int    `json:"tagLength"`
}

// ClientUpload is a caller-encrypted payload with the raw key and IV the
// caller used. The server stores the ciphertext as-is and keeps the key and
// IV only as wrapped secrets.
type ClientUpload struct {
	Ciphertext io.Reader
	Key        []byte
	IV         []byte
	Metadata   ClientMetadata
}

func (m ClientMetadata) validate(policy Policy, key, iv []byte) error {
	if err := policy.ValidateName(m.OriginalName); err != nil {
		return err
	}
	if err := policy.ValidateSize(m.OriginalSize); err != nil {
		return err
	}
	if m.Algorithm != ClientAlgorithm && m.Algorithm != "AES-GCM" {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrValidation, m.Algorithm)
	}
	if m.KeyLength != ClientKeyBits || len(key) != ClientKeyBits/8 {
		return fmt.Errorf("%w: encryption key must be %d bits", ErrValidation, ClientKeyBits)
	}
	if m.IVLength != ClientIVBits || len(iv) != ClientIVBits/8 {
		return fmt.Errorf("%w: iv must be %d bits", ErrValidation, ClientIVBits)
	}
	if m.TagLength != ClientTagBits {
		return fmt.Errorf("%w: tag must be %d bits", ErrValidation, ClientTagBits)
	}
	if m.EncryptedSize != m.OriginalSize+ClientTagBits/8 {
		return fmt.Errorf("%w: encrypted size does not match original size", ErrValidation)
	}
	return nil
}

// ProcessClientEncrypted stores a caller-encrypted file. The ciphertext is
// never decrypted or scanned on the server.
func (p *Pipeline) ProcessClientEncrypted(ctx context.Context, upload ClientUpload, uploaderID, clientID string) (*store.FileRecord, error) {
	defer clear(upload.Key)
	defer clear(upload.IV)

	policy := p.Policy()
	meta := upload.Metadata
	if err := meta.validate(policy, upload.Key, upload.IV); err != nil {
		p.deps.Metrics.RecordIngest("rejected", "validation")
		return nil, err
	}
	if upload.Ciphertext == nil {
		return nil, fmt.Errorf("%w: encrypted file is missing", ErrValidation)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(upload.Ciphertext, meta.EncryptedSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read encrypted file: %w", err)
	}
	if n != meta.EncryptedSize {
		p.deps.Metrics.RecordIngest("rejected", "validation")
		return nil, fmt.Errorf("%w: received %d encrypted bytes, expected %d", ErrValidation, n, meta.EncryptedSize)
	}

	rec := store.NewFileRecord(uuid.NewString(), meta.OriginalName, meta.MimeType, meta.OriginalSize, uploaderID, clientID)
	if rec.MimeType == "" {
		rec.MimeType = "application/octet-stream"
	}
	rec.StoredName = rec.ID + ".enc"
	rec.EncryptedSize = n
	rec.Client = &store.ClientEncryption{
		Algorithm: ClientAlgorithm,
		KeyLength: meta.KeyLength,
		IVLength:  meta.IVLength,
		TagLength: meta.TagLength,
	}
	rec.Scan = store.ScanVerdict{IsClean: true, Assessment: "client-encrypted"}

	log := p.deps.Logger.WithFields(logrus.Fields{"file_id": rec.ID, "uploaded_by": uploaderID})

	if err := rec.Transition(store.StatusScanned); err != nil {
		return nil, err
	}
	if err := p.deps.Blobs.Put(ctx, rec.StoredName, bytes.NewReader(buf.Bytes()), n); err != nil {
		log.WithError(err).Error("Failed to store client-encrypted payload")
		return nil, fmt.Errorf("failed to store ciphertext: %w", err)
	}

	start := time.Now()
	err = p.deps.Custody.WrapAndPersist(map[string][]byte{
		crypto.SlotClientKey: upload.Key,
		crypto.SlotClientIV:  upload.IV,
	}, func(wrapped map[string]*crypto.Envelope) error {
		rec.Secrets = wrapped
		if err := rec.Transition(store.StatusEncrypted); err != nil {
			return err
		}
		return p.deps.Store.Put(ctx, rec)
	})
	if err != nil {
		if derr := p.deps.Blobs.Delete(context.Background(), rec.StoredName); derr != nil {
			log.WithError(derr).Warn("Failed to roll back ciphertext")
		}
		log.WithError(err).Error("Failed to persist client-encrypted record")
		return nil, fmt.Errorf("failed to persist record: %w", err)
	}

	p.deps.Metrics.RecordIngest("accepted", "client_encrypted")
	p.deps.Audit.LogEncrypt(rec.ID, uploaderID, ClientAlgorithm, p.deps.Custody.KeyVersion(), nil, time.Since(start))
	p.deps.Audit.LogAccess(rec.ID, uploaderID, audit.ActionUpload, nil)
	log.Info("Client-encrypted file stored")
	return rec, nil
}

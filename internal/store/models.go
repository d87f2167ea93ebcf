package store

import (
	"bytes"
	"fmt"
	"time"

	"github.com/kenneth/file-custody/internal/crypto"
)

// Status is the lifecycle state of a stored file.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScanned   Status = "scanned"
	StatusEncrypted Status = "encrypted"
	StatusDeleted   Status = "deleted"
	StatusRejected  Status = "rejected"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusScanned},
	StatusScanned:   {StatusEncrypted, StatusRejected},
	StatusEncrypted: {StatusDeleted},
}

// ScanVerdict is the scanner outcome recorded on a file.
type ScanVerdict struct {
	IsClean    bool     `json:"isClean"`
	Assessment string   `json:"assessment"`
	Threats    []string `json:"threats,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	FileHash   string   `json:"fileHash,omitempty"`
}

// ClientEncryption describes ciphertext that was produced by the caller.
type ClientEncryption struct {
	Algorithm string `json:"algorithm"`
	KeyLength int    `json:"keyLength"`
	IVLength  int    `json:"ivLength"`
	TagLength int    `json:"tagLength"`
}

// FileRecord is the metadata for one stored file.
type FileRecord struct {
	ID            string
	OriginalName  string
	StoredName    string
	MimeType      string
	FileSize      int64
	EncryptedSize int64
	UploadedBy    string
	ClientID      string
	Scan          ScanVerdict
	// Envelope holds the payload envelope header for server-encrypted
	// files. The ciphertext itself lives in blob storage under StoredName.
	Envelope *crypto.Envelope
	// Client is set for files encrypted by the caller before upload.
	Client *ClientEncryption
	// Secrets are the wrapped secrets owned by this file, keyed by slot.
	Secrets    map[string]*crypto.Envelope
	Status     Status
	UploadedAt time.Time
	UpdatedAt  time.Time
}

// NewFileRecord returns a pending record.
func NewFileRecord(id, originalName, mimeType string, size int64, uploadedBy, clientID string) *FileRecord {
	now := time.Now().UTC()
	return &FileRecord{
		ID:           id,
		OriginalName: originalName,
		MimeType:     mimeType,
		FileSize:     size,
		UploadedBy:   uploadedBy,
		ClientID:     clientID,
		Status:       StatusPending,
		Secrets:      make(map[string]*crypto.Envelope),
		UploadedAt:   now,
		UpdatedAt:    now,
	}
}

// ClientEncrypted reports whether the stored ciphertext was produced by the caller.
func (r *FileRecord) ClientEncrypted() bool {
	return r.Client != nil
}

// Transition moves the record to the next lifecycle state. Only
// pending→scanned→encrypted→deleted and pending→scanned→rejected are allowed.
func (r *FileRecord) Transition(to Status) error {
	for _, next := range transitions[r.Status] {
		if next == to {
			r.Status = to
			r.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
}

// Clone returns a deep copy of the record.
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Scan.Threats = append([]string(nil), r.Scan.Threats...)
	c.Scan.Warnings = append([]string(nil), r.Scan.Warnings...)
	c.Envelope = cloneEnvelope(r.Envelope)
	if r.Client != nil {
		ce := *r.Client
		c.Client = &ce
	}
	c.Secrets = make(map[string]*crypto.Envelope, len(r.Secrets))
	for slot, env := range r.Secrets {
		c.Secrets[slot] = cloneEnvelope(env)
	}
	return &c
}

func cloneEnvelope(e *crypto.Envelope) *crypto.Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Salt = bytes.Clone(e.Salt)
	c.IV = bytes.Clone(e.IV)
	c.Tag = bytes.Clone(e.Tag)
	c.Ciphertext = bytes.Clone(e.Ciphertext)
	return &c
}

// DownloadToken authorizes one retrieval of a file by one user.
type DownloadToken struct {
	Token     string
	FileID    string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// SortField names a sortable file attribute.
type SortField string

const (
	SortUploadDate   SortField = "uploadDate"
	SortOriginalName SortField = "originalName"
	SortFileSize     SortField = "fileSize"
)

// Sort orders a listing.
type Sort struct {
	Field SortField
	Desc  bool
}

// Page selects a window of a listing. Page numbers start at 1.
type Page struct {
	Number int
	Limit  int
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Normalize clamps the page to valid bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	return p
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Limit
}

// Normalize falls back to newest-first on an unknown field.
func (s Sort) Normalize() Sort {
	switch s.Field {
	case SortUploadDate, SortOriginalName, SortFileSize:
		return s
	default:
		return Sort{Field: SortUploadDate, Desc: true}
	}
}

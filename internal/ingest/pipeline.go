// Package ingest runs uploads through validation, malware scanning,
// encryption and persistence. Each file in a batch is processed on its own;
// one file failing never affects its siblings.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/file-custody/internal/audit"
	"github.com/kenneth/file-custody/internal/blob"
	"github.com/kenneth/file-custody/internal/crypto"
	"github.com/kenneth/file-custody/internal/metrics"
	"github.com/kenneth/file-custody/internal/scanner"
	"github.com/kenneth/file-custody/internal/store"
	"github.com/kenneth/file-custody/internal/workpool"
)

var (
	// ErrValidation marks a file rejected before scanning.
	ErrValidation = errors.New("validation failed")
	// ErrThreatDetected marks a file the scanner flagged.
	ErrThreatDetected = errors.New("threat detected")
	// ErrTooManyFiles is returned when a batch exceeds the policy limit.
	ErrTooManyFiles = errors.New("too many files in one upload")
	// ErrMisconfigured is returned when the pipeline cannot run at all.
	ErrMisconfigured = errors.New("ingest pipeline misconfigured")
)

// Temp artifact prefixes. The sweeper only touches files carrying one.
const (
	tempPrefix = "upload-"
	// DownloadTempPrefix names decrypted artifacts staged for a download.
	DownloadTempPrefix = "download-"
)

// RawUpload is one file as received from the caller.
type RawUpload struct {
	Name     string
	MimeType string
	// Size is the size declared by the caller, or -1 if unknown. The actual
	// size is enforced while reading Content.
	Size    int64
	Content io.Reader
}

// RejectedEntry describes one file that was not stored.
type RejectedEntry struct {
	OriginalName string   `json:"originalName"`
	Reason       string   `json:"reason"`
	Threats      []string `json:"threats"`
	Warnings     []string `json:"warnings"`
}

// Result is the outcome of one batch. len(Accepted)+len(Rejected) equals
// the number of files submitted.
type Result struct {
	Accepted []*store.FileRecord
	Rejected []RejectedEntry
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Store      store.Store
	Blobs      blob.Store
	Quarantine blob.Store
	Scanner    scanner.Scanner
	Engine     *crypto.Engine
	Custody    *crypto.KeyCustody
	Pool       *workpool.Pool
	Audit      audit.Logger
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics
}

// Pipeline is the ingest orchestrator.
type Pipeline struct {
	deps    Deps
	tempDir string
	policy  atomic.Pointer[Policy]
}

// NewPipeline creates a pipeline writing plaintext temp artifacts to tempDir.
func NewPipeline(deps Deps, policy Policy, tempDir string) (*Pipeline, error) {
	if deps.Store == nil || deps.Blobs == nil || deps.Quarantine == nil || deps.Scanner == nil ||
		deps.Engine == nil || deps.Custody == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrMisconfigured)
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewLogger(0, nil)
	}
	if tempDir == "" {
		tempDir = DefaultTempDir()
	}
	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: temp directory unavailable: %v", ErrMisconfigured, err)
	}
	p := &Pipeline{deps: deps, tempDir: tempDir}
	p.SetPolicy(policy)
	return p, nil
}

// SetPolicy replaces the validation policy for subsequent uploads.
func (p *Pipeline) SetPolicy(policy Policy) {
	policy.AllowedExtensions = append([]string(nil), policy.AllowedExtensions...)
	p.policy.Store(&policy)
}

// Policy returns the active validation policy.
func (p *Pipeline) Policy() Policy {
	return *p.policy.Load()
}

// job carries one file through the stages.
type job struct {
	upload   RawUpload
	policy   Policy
	record   *store.FileRecord
	tempPath string
	data     []byte
	verdict  *scanner.Result
	envelope *crypto.Envelope
	fileKey  []byte
	stored   bool
}

// stage is one step of the pipeline. A non-nil error ends processing of
// the file; it is converted to a RejectedEntry by the orchestrator.
type stage struct {
	name string
	run  func(ctx context.Context, j *job) error
}

// ProcessUpload runs every file through validate, scan, encrypt, persist
// and cleanup. Per-file failures become rejected entries; an error is only
// returned when the batch cannot be processed at all.
func (p *Pipeline) ProcessUpload(ctx context.Context, files []RawUpload, uploaderID, clientID string) (*Result, error) {
	policy := p.Policy()
	if policy.MaxFiles > 0 && len(files) > policy.MaxFiles {
		return nil, fmt.Errorf("%w: %d files, limit is %d", ErrTooManyFiles, len(files), policy.MaxFiles)
	}
	if err := os.MkdirAll(p.tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: temp directory unavailable: %v", ErrMisconfigured, err)
	}

	res := &Result{
		Accepted: make([]*store.FileRecord, 0, len(files)),
		Rejected: make([]RejectedEntry, 0),
	}
	for _, f := range files {
		rec, rejected := p.processOne(ctx, f, policy, uploaderID, clientID)
		if rejected != nil {
			res.Rejected = append(res.Rejected, *rejected)
			continue
		}
		res.Accepted = append(res.Accepted, rec)
	}

	p.deps.Logger.WithFields(logrus.Fields{
		"uploaded_by": uploaderID,
		"accepted":    len(res.Accepted),
		"rejected":    len(res.Rejected),
	}).Info("Upload batch processed")
	return res, nil
}

func (p *Pipeline) processOne(ctx context.Context, upload RawUpload, policy Policy, uploaderID, clientID string) (rec *store.FileRecord, rejected *RejectedEntry) {
	j := &job{
		upload: upload,
		policy: policy,
		record: store.NewFileRecord(uuid.NewString(), upload.Name, upload.MimeType, upload.Size, uploaderID, clientID),
	}
	log := p.deps.Logger.WithFields(logrus.Fields{
		"file_id":     j.record.ID,
		"uploaded_by": uploaderID,
	})

	defer p.cleanup(j, log)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Ingest panicked; file rejected")
			rec, rejected = nil, p.reject(j, fmt.Errorf("internal error"), "panic")
		}
	}()

	stages := []stage{
		{"validate", p.validate},
		{"stage", p.stageTemp},
		{"scan", p.scan},
		{"encrypt", p.encrypt},
		{"persist", p.persist},
	}
	for _, st := range stages {
		if err := st.run(ctx, j); err != nil {
			if !errors.Is(err, ErrValidation) && !errors.Is(err, ErrThreatDetected) {
				log.WithError(err).WithField("stage", st.name).Error("Ingest stage failed")
			}
			return nil, p.reject(j, err, st.name)
		}
	}

	p.deps.Metrics.RecordIngest("accepted", "")
	p.deps.Audit.LogAccess(j.record.ID, uploaderID, audit.ActionUpload, nil)
	return j.record, nil
}

func (p *Pipeline) reject(j *job, err error, stageName string) *RejectedEntry {
	entry := &RejectedEntry{
		OriginalName: j.upload.Name,
		Reason:       rejectionReason(err),
		Threats:      []string{},
		Warnings:     []string{},
	}
	reason := "error"
	switch {
	case errors.Is(err, ErrValidation):
		reason = "validation"
	case errors.Is(err, ErrThreatDetected):
		reason = "threat"
		entry.Threats = append(entry.Threats, j.verdict.Threats...)
		entry.Warnings = append(entry.Warnings, j.verdict.Warnings...)
	}

	p.deps.Metrics.RecordIngest("rejected", reason)
	p.deps.Audit.Log(&audit.AuditEvent{
		EventType: audit.EventTypeAccess,
		Operation: audit.ActionReject,
		FileID:    j.record.ID,
		UserID:    j.record.UploadedBy,
		Success:   false,
		Error:     err.Error(),
		Metadata: map[string]interface{}{
			"stage":    stageName,
			"reason":   reason,
			"threats":  entry.Threats,
			"warnings": entry.Warnings,
		},
	})
	return entry
}

// rejectionReason hides internal error detail from callers.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrThreatDetected):
		return err.Error()
	default:
		return "File could not be processed"
	}
}

func (p *Pipeline) validate(ctx context.Context, j *job) error {
	if err := j.policy.ValidateName(j.upload.Name); err != nil {
		return err
	}
	if j.upload.Size >= 0 {
		if err := j.policy.ValidateSize(j.upload.Size); err != nil {
			return err
		}
	}
	if j.upload.Content == nil {
		return fmt.Errorf("%w: file content is missing", ErrValidation)
	}
	return nil
}

// stageTemp writes the plaintext to a private temp file, enforcing the size
// limit on the bytes actually received.
func (p *Pipeline) stageTemp(ctx context.Context, j *job) error {
	f, err := os.CreateTemp(p.tempDir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	j.tempPath = f.Name()

	limit := j.policy.MaxFileSize
	var src io.Reader = j.upload.Content
	if limit > 0 {
		src = io.LimitReader(src, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := j.policy.ValidateSize(n); err != nil {
		return err
	}

	data, err := os.ReadFile(j.tempPath)
	if err != nil {
		return fmt.Errorf("failed to read temp file: %w", err)
	}
	j.data = data
	j.record.FileSize = n
	if j.record.MimeType == "" || j.record.MimeType == "application/octet-stream" {
		j.record.MimeType = strings.Split(http.DetectContentType(data), ";")[0]
	}
	return nil
}

func (p *Pipeline) scan(ctx context.Context, j *job) error {
	verdict, err := p.deps.Scanner.Scan(ctx, j.upload.Name, j.data)
	if err != nil {
		return fmt.Errorf("scanner failed: %w", err)
	}
	j.verdict = verdict
	p.deps.Metrics.RecordScan(verdict.IsClean)

	j.record.Scan = store.ScanVerdict{
		IsClean:    verdict.IsClean,
		Assessment: verdict.Assessment,
		Threats:    append([]string(nil), verdict.Threats...),
		Warnings:   append([]string(nil), verdict.Warnings...),
		FileHash:   verdict.FileHash,
	}
	if err := j.record.Transition(store.StatusScanned); err != nil {
		return err
	}

	if verdict.IsClean {
		return nil
	}

	if err := j.record.Transition(store.StatusRejected); err != nil {
		return err
	}
	p.quarantine(ctx, j)
	return fmt.Errorf("%w: %s", ErrThreatDetected, strings.Join(verdict.Threats, ", "))
}

// quarantine copies the flagged artifact aside. Failure is logged; the file
// is rejected either way.
func (p *Pipeline) quarantine(ctx context.Context, j *job) {
	key := j.record.ID + ".quarantine"
	err := p.deps.Quarantine.Put(ctx, key, bytes.NewReader(j.data), int64(len(j.data)))
	log := p.deps.Logger.WithFields(logrus.Fields{
		"file_id":   j.record.ID,
		"file_hash": j.verdict.FileHash,
		"threats":   j.verdict.Threats,
	})
	if err != nil {
		log.WithError(err).Error("Failed to quarantine flagged upload")
		return
	}
	log.Warn("Upload quarantined")
}

func (p *Pipeline) encrypt(ctx context.Context, j *job) error {
	key, err := p.deps.Custody.GenerateFileKey()
	if err != nil {
		return err
	}
	j.fileKey = key

	start := time.Now()
	var env *crypto.Envelope
	err = p.deps.Pool.Do(ctx, int64(len(j.data)), func() error {
		var encErr error
		env, encErr = p.deps.Engine.Encrypt(j.data, key)
		return encErr
	})
	if err != nil {
		p.deps.Metrics.RecordEncryptionError("encrypt", "engine")
		p.deps.Audit.LogEncrypt(j.record.ID, j.record.UploadedBy, p.deps.Engine.Algorithm(), 0, err, time.Since(start))
		return fmt.Errorf("encryption failed: %w", err)
	}
	p.deps.Metrics.RecordEncryptionOperation("encrypt", time.Since(start), int64(len(j.data)))
	p.deps.Audit.LogEncrypt(j.record.ID, j.record.UploadedBy, env.Algorithm, p.deps.Custody.KeyVersion(), nil, time.Since(start))

	j.envelope = env
	j.record.StoredName = j.record.ID + ".enc"
	j.record.EncryptedSize = int64(len(env.Ciphertext))
	return nil
}

// persist writes the ciphertext, then the record with its wrapped file key.
// The blob is removed again if the record cannot be written.
func (p *Pipeline) persist(ctx context.Context, j *job) error {
	ct := j.envelope.Ciphertext
	if err := p.deps.Blobs.Put(ctx, j.record.StoredName, bytes.NewReader(ct), int64(len(ct))); err != nil {
		return fmt.Errorf("failed to store ciphertext: %w", err)
	}
	j.stored = true
	j.record.Envelope = j.envelope.Header()

	err := p.deps.Custody.WrapAndPersist(map[string][]byte{crypto.SlotFileKey: j.fileKey}, func(wrapped map[string]*crypto.Envelope) error {
		j.record.Secrets = wrapped
		if err := j.record.Transition(store.StatusEncrypted); err != nil {
			return err
		}
		return p.deps.Store.Put(ctx, j.record)
	})
	if err != nil {
		return fmt.Errorf("failed to persist record: %w", err)
	}
	j.stored = false
	return nil
}

// cleanup runs on every exit path. It removes the plaintext temp file,
// zeroes in-memory plaintext and key, and rolls back an orphaned blob.
func (p *Pipeline) cleanup(j *job, log *logrus.Entry) {
	if j.stored {
		if err := p.deps.Blobs.Delete(context.Background(), j.record.StoredName); err != nil {
			log.WithError(err).Warn("Failed to roll back ciphertext")
		}
	}
	if j.tempPath != "" {
		if err := os.Remove(j.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warn("Failed to remove temp file; sweeper will retry")
		}
	}
	clear(j.data)
	clear(j.fileKey)
	j.data = nil
	j.fileKey = nil
}

package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/file-custody/internal/access"
	"github.com/kenneth/file-custody/internal/audit"
	"github.com/kenneth/file-custody/internal/crypto"
	"github.com/kenneth/file-custody/internal/ingest"
	"github.com/kenneth/file-custody/internal/store"
)

// handleDownload redeems a one-time token and streams the file.
//
// Checks run in a fixed order: token (403), record (404), caller access
// (403), stored content (410). Server-encrypted files are decrypted into a
// temp file that is removed on every exit path, including client
// disconnects. Client-encrypted files are streamed as stored.
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	fileID := mux.Vars(r)["id"]
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		h.writeError(w, r, ErrInvalidToken)
		return
	}
	if err := h.deps.Tokens.ValidateAndConsume(ctx, token, fileID); err != nil {
		h.deps.Access.LogAccess(fileID, id.UserID, audit.ActionDownload, err)
		h.writeError(w, r, err)
		return
	}

	rec, err := h.loadFile(ctx, fileID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.deps.Access.Authorize(rec, id, access.PermFilesReadAll, audit.ActionDownload); err != nil {
		h.writeError(w, r, err)
		return
	}

	body, err := h.deps.Blobs.Get(ctx, rec.StoredName)
	if err != nil {
		h.deps.Access.LogAccess(rec.ID, id.UserID, audit.ActionDownload, err)
		h.writeError(w, r, err)
		return
	}
	defer body.Close()

	log := h.deps.Logger.WithFields(logrus.Fields{"file_id": rec.ID, "user_id": id.UserID})

	if rec.ClientEncrypted() {
		w.Header().Set("X-Client-Encrypted", "true")
		setDownloadHeaders(w, rec, "application/octet-stream", rec.EncryptedSize)
		w.WriteHeader(http.StatusOK)
		n, err := io.Copy(w, body)
		h.finishDownload(log, rec, id.UserID, n, err)
		return
	}

	plainPath, size, err := h.decryptToTemp(ctx, rec, id.UserID, body)
	if plainPath != "" {
		defer func() {
			if rmErr := os.Remove(plainPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.WithError(rmErr).Warn("Failed to remove decrypted temp file; sweeper will retry")
			}
		}()
	}
	if err != nil {
		h.deps.Access.LogAccess(rec.ID, id.UserID, audit.ActionDownload, err)
		h.writeError(w, r, err)
		return
	}

	f, err := os.Open(plainPath)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer f.Close()

	setDownloadHeaders(w, rec, rec.MimeType, size)
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, f)
	h.finishDownload(log, rec, id.UserID, n, err)
}

// decryptToTemp decrypts the stored ciphertext into a new temp file and
// returns its path. The path is returned whenever the file was created,
// even on error, so the caller can remove it.
func (h *Handler) decryptToTemp(ctx context.Context, rec *store.FileRecord, userID string, body io.Reader) (string, int64, error) {
	if rec.Envelope == nil || rec.Secrets[crypto.SlotFileKey] == nil {
		return "", 0, fmt.Errorf("%w: file %s has no envelope", crypto.ErrIntegrity, rec.ID)
	}

	ciphertext, err := io.ReadAll(body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read ciphertext: %w", err)
	}

	start := time.Now()
	fileKey, err := h.deps.Custody.UnwrapSecret(rec.Secrets[crypto.SlotFileKey])
	if err != nil {
		h.deps.Metrics.RecordEncryptionError("unwrap", "integrity")
		h.deps.Audit.LogDecrypt(rec.ID, userID, rec.Envelope.Algorithm, rec.Secrets[crypto.SlotFileKey].KeyVersion, err, time.Since(start))
		return "", 0, err
	}
	defer clear(fileKey)

	env := *rec.Envelope
	env.Ciphertext = ciphertext

	var plaintext []byte
	err = h.deps.Pool.Do(ctx, int64(len(ciphertext)), func() error {
		var derr error
		plaintext, derr = h.deps.Engine.Decrypt(&env, fileKey)
		return derr
	})
	h.deps.Audit.LogDecrypt(rec.ID, userID, env.Algorithm, h.deps.Custody.KeyVersion(), err, time.Since(start))
	if err != nil {
		if errors.Is(err, crypto.ErrIntegrity) {
			h.deps.Metrics.RecordEncryptionError("decrypt", "integrity")
		}
		return "", 0, err
	}
	defer clear(plaintext)
	h.deps.Metrics.RecordEncryptionOperation("decrypt", time.Since(start), int64(len(plaintext)))

	if err := os.MkdirAll(h.opts.TempDir, 0o700); err != nil {
		return "", 0, fmt.Errorf("download temp directory unavailable: %w", err)
	}
	f, err := os.CreateTemp(h.opts.TempDir, ingest.DownloadTempPrefix+"*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create download temp file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(plaintext); err != nil {
		_ = f.Close()
		return path, 0, fmt.Errorf("failed to write download temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return path, 0, fmt.Errorf("failed to close download temp file: %w", err)
	}
	return path, int64(len(plaintext)), nil
}

func setDownloadHeaders(w http.ResponseWriter, rec *store.FileRecord, contentType string, size int64) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Disposition", contentDisposition(rec.OriginalName))
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	h.Set("X-File-ID", rec.ID)
	h.Set("X-Original-Name", url.PathEscape(rec.OriginalName))
}

func (h *Handler) finishDownload(log *logrus.Entry, rec *store.FileRecord, userID string, n int64, err error) {
	if err != nil {
		// Headers are already sent; the client sees a truncated body.
		log.WithError(err).WithField("bytes_sent", n).Warn("Download interrupted")
		h.deps.Access.LogAccess(rec.ID, userID, audit.ActionDownload, err)
		return
	}
	h.deps.Access.LogAccess(rec.ID, userID, audit.ActionDownload, nil)
	log.WithField("bytes", n).Info("File downloaded")
}

type encryptedInfoResponse struct {
	EncryptionKey   string    `json:"encryptionKey"`
	IV              string    `json:"iv"`
	Algorithm       string    `json:"algorithm"`
	KeyLength       int       `json:"keyLength"`
	IVLength        int       `json:"ivLength"`
	TagLength       int       `json:"tagLength"`
	DownloadURL     string    `json:"downloadUrl"`
	DownloadExpires time.Time `json:"downloadExpires"`
}

// handleEncryptedInfo returns the unwrapped client key and IV of a
// client-encrypted file together with a one-time link to its ciphertext.
// The server can always recover these keys; key_recovery_enabled=false
// turns the endpoint off.
func (h *Handler) handleEncryptedInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if !h.opts.KeyRecoveryEnabled {
		h.writeError(w, r, ErrFeatureDisabled)
		return
	}

	rec, err := h.loadFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.deps.Access.Authorize(rec, id, access.PermFilesReadAll, audit.ActionKeyInfo); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !rec.ClientEncrypted() {
		h.writeError(w, r, invalidRequest("File was not encrypted by the client."))
		return
	}

	start := time.Now()
	key, err := h.deps.Custody.UnwrapSecret(rec.Secrets[crypto.SlotClientKey])
	if err != nil {
		h.deps.Audit.LogDecrypt(rec.ID, id.UserID, rec.Client.Algorithm, h.deps.Custody.KeyVersion(), err, time.Since(start))
		h.writeError(w, r, err)
		return
	}
	defer clear(key)
	iv, err := h.deps.Custody.UnwrapSecret(rec.Secrets[crypto.SlotClientIV])
	if err != nil {
		h.deps.Audit.LogDecrypt(rec.ID, id.UserID, rec.Client.Algorithm, h.deps.Custody.KeyVersion(), err, time.Since(start))
		h.writeError(w, r, err)
		return
	}
	defer clear(iv)

	issued, err := h.deps.Tokens.Issue(r.Context(), rec.ID, id.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.deps.Access.LogAccess(rec.ID, id.UserID, audit.ActionKeyInfo, nil)
	writeJSON(w, http.StatusOK, encryptedInfoResponse{
		EncryptionKey:   base64.StdEncoding.EncodeToString(key),
		IV:              base64.StdEncoding.EncodeToString(iv),
		Algorithm:       rec.Client.Algorithm,
		KeyLength:       rec.Client.KeyLength,
		IVLength:        rec.Client.IVLength,
		TagLength:       rec.Client.TagLength,
		DownloadURL:     h.downloadURL(rec.ID, issued.Token),
		DownloadExpires: issued.ExpiresAt,
	})
}

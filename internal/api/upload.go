package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/file-custody/internal/audit"
	"github.com/kenneth/file-custody/internal/ingest"
)

// multipartOverhead is allowed on top of the payload limit for form
// boundaries and text fields.
const multipartOverhead = 1 << 20

type uploadSummary struct {
	TotalUploaded int `json:"totalUploaded"`
	TotalRejected int `json:"totalRejected"`
	TotalFiles    int `json:"totalFiles"`
}

type uploadResponse struct {
	Uploaded []fileView            `json:"uploaded"`
	Rejected []ingest.RejectedEntry `json:"rejected"`
	Summary  uploadSummary          `json:"summary"`
}

// handleUpload runs a multipart batch (field files[]) through the ingest
// pipeline. Per-file failures are reported in rejected; the request only
// fails when the batch itself is unacceptable.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	policy := h.deps.Pipeline.Policy()
	limit := int64(policy.MaxFiles)*policy.MaxFileSize + multipartOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(h.opts.MaxMemory); err != nil {
		h.writeError(w, r, multipartError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	clientID, err := h.deps.Access.ClientIDFor(id, r.FormValue("clientId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	headers := r.MultipartForm.File["files[]"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["files"]
	}
	if len(headers) == 0 {
		h.writeError(w, r, invalidRequest("No files provided."))
		return
	}
	if policy.MaxFiles > 0 && len(headers) > policy.MaxFiles {
		h.writeError(w, r, invalidRequest("At most %d files may be uploaded at once.", policy.MaxFiles))
		return
	}

	uploads := make([]ingest.RawUpload, 0, len(headers))
	for _, fh := range headers {
		uploads = append(uploads, ingest.RawUpload{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Size:     fh.Size,
			Content:  &lazyPart{header: fh},
		})
	}
	defer func() {
		for _, u := range uploads {
			_ = u.Content.(*lazyPart).Close()
		}
	}()

	result, err := h.deps.Pipeline.ProcessUpload(r.Context(), uploads, id.UserID, clientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := uploadResponse{
		Uploaded: make([]fileView, 0, len(result.Accepted)),
		Rejected: result.Rejected,
		Summary: uploadSummary{
			TotalUploaded: len(result.Accepted),
			TotalRejected: len(result.Rejected),
			TotalFiles:    len(uploads),
		},
	}
	if resp.Rejected == nil {
		resp.Rejected = []ingest.RejectedEntry{}
	}
	for _, rec := range result.Accepted {
		resp.Uploaded = append(resp.Uploaded, newFileView(rec))
	}

	status := http.StatusCreated
	if len(result.Accepted) == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

// lazyPart opens a multipart file on first read so a batch does not hold
// every file open while earlier ones are processed.
type lazyPart struct {
	header *multipart.FileHeader
	file   multipart.File
	err    error
}

func (p *lazyPart) Read(b []byte) (int, error) {
	if p.file == nil && p.err == nil {
		p.file, p.err = p.header.Open()
	}
	if p.err != nil {
		return 0, p.err
	}
	return p.file.Read(b)
}

func (p *lazyPart) Close() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	p.err = io.EOF
	return err
}

type encryptedUploadResponse struct {
	FileID          string `json:"fileId"`
	OriginalName    string `json:"originalName"`
	EncryptedName   string `json:"encryptedName"`
	OriginalSize    int64  `json:"originalSize"`
	EncryptedSize   int64  `json:"encryptedSize"`
	UploadDate      string `json:"uploadDate"`
	ClientEncrypted bool   `json:"clientEncrypted"`
}

// handleUploadEncrypted stores a payload encrypted by the caller. Fields:
// encryptedFile, encryptionKey and iv (base64), metadata (JSON).
func (h *Handler) handleUploadEncrypted(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if !h.opts.ClientEncryptionEnabled {
		h.writeError(w, r, ErrFeatureDisabled)
		return
	}

	policy := h.deps.Pipeline.Policy()
	r.Body = http.MaxBytesReader(w, r.Body, policy.MaxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(h.opts.MaxMemory); err != nil {
		h.writeError(w, r, multipartError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	clientID, err := h.deps.Access.ClientIDFor(id, r.FormValue("clientId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var meta ingest.ClientMetadata
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &meta); err != nil {
		h.writeError(w, r, invalidRequest("metadata must be a JSON object."))
		return
	}
	key, err := base64.StdEncoding.DecodeString(r.FormValue("encryptionKey"))
	if err != nil || len(key) == 0 {
		h.writeError(w, r, invalidRequest("encryptionKey must be base64."))
		return
	}
	iv, err := base64.StdEncoding.DecodeString(r.FormValue("iv"))
	if err != nil || len(iv) == 0 {
		clear(key)
		h.writeError(w, r, invalidRequest("iv must be base64."))
		return
	}

	file, _, err := r.FormFile("encryptedFile")
	if err != nil {
		clear(key)
		clear(iv)
		h.writeError(w, r, invalidRequest("encryptedFile is required."))
		return
	}
	defer file.Close()

	rec, err := h.deps.Pipeline.ProcessClientEncrypted(r.Context(), ingest.ClientUpload{
		Ciphertext: file,
		Key:        key,
		IV:         iv,
		Metadata:   meta,
	}, id.UserID, clientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, encryptedUploadResponse{
		FileID:          rec.ID,
		OriginalName:    rec.OriginalName,
		EncryptedName:   rec.StoredName,
		OriginalSize:    rec.FileSize,
		EncryptedSize:   rec.EncryptedSize,
		UploadDate:      rec.UploadedAt.Format(time.RFC3339),
		ClientEncrypted: true,
	})
}

// handleScan scans one file (field file) without storing it.
func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	policy := h.deps.Pipeline.Policy()
	r.Body = http.MaxBytesReader(w, r.Body, policy.MaxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(h.opts.MaxMemory); err != nil {
		h.writeError(w, r, multipartError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, invalidRequest("file is required."))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, policy.MaxFileSize+1))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer clear(data)
	if int64(len(data)) > policy.MaxFileSize {
		h.writeError(w, r, fmt.Errorf("%w: file exceeds %d bytes", ingest.ErrValidation, policy.MaxFileSize))
		return
	}

	result, err := h.deps.Scanner.Scan(r.Context(), header.Filename, data)
	if err != nil {
		h.deps.Access.LogAccess("", id.UserID, audit.ActionScan, err)
		h.writeError(w, r, err)
		return
	}
	h.deps.Metrics.RecordScan(result.IsClean)
	h.deps.Access.LogAccess("", id.UserID, audit.ActionScan, nil)
	h.deps.Logger.WithFields(logrus.Fields{
		"user_id":    id.UserID,
		"is_clean":   result.IsClean,
		"assessment": result.Assessment,
	}).Info("Standalone scan completed")

	if result.Threats == nil {
		result.Threats = []string{}
	}
	if result.Warnings == nil {
		result.Warnings = []string{}
	}
	writeJSON(w, http.StatusOK, result)
}

// multipartError keeps oversized bodies distinct from malformed ones.
func multipartError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return err
	}
	return invalidRequest("Request must be multipart/form-data.")
}

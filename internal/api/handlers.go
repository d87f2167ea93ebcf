package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/file-custody/internal/access"
	"github.com/kenneth/file-custody/internal/audit"
	"github.com/kenneth/file-custody/internal/blob"
	"github.com/kenneth/file-custody/internal/crypto"
	"github.com/kenneth/file-custody/internal/ingest"
	"github.com/kenneth/file-custody/internal/metrics"
	"github.com/kenneth/file-custody/internal/scanner"
	"github.com/kenneth/file-custody/internal/store"
	"github.com/kenneth/file-custody/internal/tokens"
	"github.com/kenneth/file-custody/internal/workpool"
)

// StoreHealth reports on the metadata store without exposing which backend
// callers are talking to.
type StoreHealth interface {
	Ping(ctx context.Context) error
	Backend() string
	Durable() bool
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Store    store.Store
	Health   StoreHealth
	Blobs    blob.Store
	Pipeline *ingest.Pipeline
	Scanner  scanner.Scanner
	Engine   *crypto.Engine
	Custody  *crypto.KeyCustody
	Pool     *workpool.Pool
	Tokens   *tokens.Service
	Access   *access.Checker
	Audit    audit.Logger
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
}

// Options are the request-facing settings of the handlers.
type Options struct {
	// PublicURL prefixes generated download links. Empty yields relative links.
	PublicURL string
	// TempDir receives decrypted artifacts while a download is streamed.
	TempDir                 string
	ClientEncryptionEnabled bool
	// KeyRecoveryEnabled allows owners to fetch unwrapped client keys. When
	// false the server never unwraps a client key.
	KeyRecoveryEnabled bool
	// MaxMemory bounds the multipart form held in memory; the rest spills
	// to disk.
	MaxMemory int64
}

// Handler serves the file custody API.
type Handler struct {
	deps Deps
	opts Options
}

// NewHandler creates the API handler.
func NewHandler(deps Deps, opts Options) (*Handler, error) {
	if deps.Store == nil || deps.Blobs == nil || deps.Pipeline == nil || deps.Scanner == nil ||
		deps.Engine == nil || deps.Custody == nil || deps.Tokens == nil || deps.Access == nil {
		return nil, fmt.Errorf("api handler: missing dependency")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewLogger(0, nil)
	}
	if opts.TempDir == "" {
		opts.TempDir = ingest.DefaultTempDir()
	}
	if err := os.MkdirAll(opts.TempDir, 0o700); err != nil {
		return nil, fmt.Errorf("api handler: temp directory unavailable: %w", err)
	}
	if opts.MaxMemory <= 0 {
		opts.MaxMemory = 32 << 20
	}
	return &Handler{deps: deps, opts: opts}, nil
}

// RegisterRoutes registers health routes on r and the file API behind
// authn. Route-aware middleware should be added to r with Use before the
// call.
func (h *Handler) RegisterRoutes(r *mux.Router, authn func(http.Handler) http.Handler) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	if authn != nil {
		api.Use(authn)
	}

	// Literal paths are registered before {id} patterns.
	api.HandleFunc("/files/upload", h.handleUpload).Methods("POST")
	api.HandleFunc("/files/upload-encrypted", h.handleUploadEncrypted).Methods("POST")
	api.HandleFunc("/files/scan", h.handleScan).Methods("POST")
	api.HandleFunc("/files/download/{id}", h.handleDownload).Methods("GET")
	api.HandleFunc("/files/encrypted/{id}", h.handleEncryptedInfo).Methods("GET")
	api.HandleFunc("/files", h.handleList).Methods("GET")
	api.HandleFunc("/files/{id}", h.handleGet).Methods("GET")
	api.HandleFunc("/files/{id}", h.handleDelete).Methods("DELETE")
	api.HandleFunc("/files/{id}/download-link", h.handleDownloadLink).Methods("POST")

	api.HandleFunc("/admin/keys/rotate", h.handleRotateKey).Methods("POST")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports ready while either store backend serves calls. A
// degraded store is reported but does not fail readiness.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.deps.Health.Ping(ctx); err != nil {
		h.deps.Logger.WithError(err).Warn("Readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"store":  h.deps.Health.Backend(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"store":   h.deps.Health.Backend(),
		"durable": h.deps.Health.Durable(),
	})
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// identity returns the caller or writes 401.
func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (access.Identity, bool) {
	id, ok := access.IdentityFrom(r.Context())
	if !ok {
		(&APIError{Code: "Unauthorized", Message: "Authentication required.", HTTPStatus: http.StatusUnauthorized}).WriteJSON(w)
		return access.Identity{}, false
	}
	return id, true
}

// loadFile returns a stored file that is available for retrieval. Records
// in any other state are reported as missing.
func (h *Handler) loadFile(ctx context.Context, id string) (*store.FileRecord, error) {
	rec, err := h.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusEncrypted {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

// writeError translates err, logs server-side failures and writes the
// response.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := TranslateError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		h.deps.Logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": getRequestID(r),
			"code":       apiErr.Code,
		}).WithError(err).Error("Request failed")
	}
	apiErr.WriteJSON(w)
}

func (h *Handler) downloadURL(fileID, token string) string {
	return fmt.Sprintf("%s/api/files/download/%s?token=%s", h.opts.PublicURL, fileID, token)
}

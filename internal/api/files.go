package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/file-custody/internal/access"
	"github.com/kenneth/file-custody/internal/audit"
	"github.com/kenneth/file-custody/internal/store"
)

type pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type listResponse struct {
	Files      []fileView `json:"files"`
	Pagination pagination `json:"pagination"`
}

// handleList lists the caller's files. Holders of files:read_all may pass
// all=true to list every file.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	owner := id.UserID
	if r.URL.Query().Get("all") == "true" {
		if !h.deps.Access.Elevated(id, access.PermFilesReadAll) {
			h.deps.Access.LogAccess("", id.UserID, audit.ActionView, access.ErrForbidden)
			h.writeError(w, r, access.ErrForbidden)
			return
		}
		owner = ""
	}

	page, srt := parseListQuery(r)
	recs, total, err := h.deps.Store.List(r.Context(), owner, page, srt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := listResponse{
		Files: make([]fileView, 0, len(recs)),
		Pagination: pagination{
			Page:       page.Number,
			Limit:      page.Limit,
			Total:      total,
			TotalPages: (total + page.Limit - 1) / page.Limit,
		},
	}
	for _, rec := range recs {
		resp.Files = append(resp.Files, newFileView(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	rec, err := h.loadFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.deps.Access.Authorize(rec, id, access.PermFilesReadAll, audit.ActionView); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.deps.Access.LogAccess(rec.ID, id.UserID, audit.ActionView, nil)
	writeJSON(w, http.StatusOK, newFileView(rec))
}

// handleDelete removes the record with its wrapped secrets, then the
// ciphertext. A ciphertext that cannot be removed is logged and left for
// the operator; the file is no longer reachable either way.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	rec, err := h.loadFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.deps.Access.Authorize(rec, id, access.PermFilesDeleteAll, audit.ActionDelete); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := rec.Transition(store.StatusDeleted); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.deps.Store.Delete(r.Context(), rec.ID); err != nil {
		h.deps.Access.LogAccess(rec.ID, id.UserID, audit.ActionDelete, err)
		h.writeError(w, r, err)
		return
	}

	// The request context may already be gone; the blob removal must still run.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
	defer cancel()
	if err := h.deps.Blobs.Delete(ctx, rec.StoredName); err != nil {
		h.deps.Logger.WithError(err).WithFields(logrus.Fields{
			"file_id":     rec.ID,
			"stored_name": rec.StoredName,
		}).Error("Failed to delete ciphertext for removed file")
	}

	h.deps.Access.LogAccess(rec.ID, id.UserID, audit.ActionDelete, nil)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "fileId": rec.ID})
}

type downloadLinkResponse struct {
	Token       string    `json:"token"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (h *Handler) handleDownloadLink(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	rec, err := h.loadFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.deps.Access.Authorize(rec, id, access.PermFilesReadAll, audit.ActionDownloadLink); err != nil {
		h.writeError(w, r, err)
		return
	}

	issued, err := h.deps.Tokens.Issue(r.Context(), rec.ID, id.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.deps.Access.LogAccess(rec.ID, id.UserID, audit.ActionDownloadLink, nil)
	writeJSON(w, http.StatusCreated, downloadLinkResponse{
		Token:       issued.Token,
		DownloadURL: h.downloadURL(rec.ID, issued.Token),
		ExpiresAt:   issued.ExpiresAt,
	})
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/file-custody/internal/access"
)

type rotateRequest struct {
	OldMasterKey string `json:"oldMasterKey"`
	NewMasterKey string `json:"newMasterKey"`
}

type rotateResponse struct {
	PreviousVersion int   `json:"previousVersion"`
	NewVersion      int   `json:"newVersion"`
	Rewrapped       int   `json:"rewrapped"`
	DurationMs      int64 `json:"durationMs"`
}

// handleRotateKey re-wraps every stored secret under a new master key.
// Requires keys:rotate. Either every secret moves to the new key or none do.
func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if !h.deps.Access.Elevated(id, access.PermKeysRotate) {
		h.deps.Audit.LogKeyRotation(id.UserID, h.deps.Custody.KeyVersion(), 0, 0, access.ErrForbidden)
		h.writeError(w, r, access.ErrForbidden)
		return
	}

	var req rotateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.writeError(w, r, invalidRequest("Request body must be JSON with oldMasterKey and newMasterKey."))
		return
	}
	oldKey, newKey := []byte(req.OldMasterKey), []byte(req.NewMasterKey)
	defer clear(oldKey)
	defer clear(newKey)
	if len(oldKey) == 0 || len(newKey) == 0 {
		h.writeError(w, r, invalidRequest("oldMasterKey and newMasterKey are required."))
		return
	}

	previous := h.deps.Custody.KeyVersion()
	result, err := h.deps.Custody.RotateMasterKey(r.Context(), oldKey, newKey)
	if err != nil {
		h.deps.Metrics.RecordKeyRotation(false, previous)
		h.deps.Audit.LogKeyRotation(id.UserID, previous, 0, 0, err)
		h.deps.Logger.WithError(err).WithField("user_id", id.UserID).Error("Master key rotation failed; active key unchanged")
		h.writeError(w, r, err)
		return
	}

	h.deps.Metrics.RecordKeyRotation(true, result.NewVersion)
	h.deps.Audit.LogKeyRotation(id.UserID, result.PreviousVersion, result.NewVersion, result.Rewrapped, nil)
	h.deps.Logger.WithFields(logrus.Fields{
		"user_id":          id.UserID,
		"previous_version": result.PreviousVersion,
		"new_version":      result.NewVersion,
		"rewrapped":        result.Rewrapped,
	}).Info("Master key rotation completed")

	writeJSON(w, http.StatusOK, rotateResponse{
		PreviousVersion: result.PreviousVersion,
		NewVersion:      result.NewVersion,
		Rewrapped:       result.Rewrapped,
		DurationMs:      result.Duration.Milliseconds(),
	})
}

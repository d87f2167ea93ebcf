package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kenneth/file-custody/internal/store"
)

// getRequestID returns the caller-supplied request id, if any.
func getRequestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// scanSummary is the verdict shown with each stored file.
type scanSummary struct {
	IsClean    bool   `json:"isClean"`
	Assessment string `json:"assessment"`
}

// fileView is the public representation of a stored file. It never carries
// envelopes or wrapped secrets.
type fileView struct {
	ID              string      `json:"id"`
	OriginalName    string      `json:"originalName"`
	FileSize        int64       `json:"fileSize"`
	MimeType        string      `json:"mimeType"`
	UploadDate      time.Time   `json:"uploadDate"`
	ScanResult      scanSummary `json:"scanResult"`
	EncryptedSize   int64       `json:"encryptedSize,omitempty"`
	ClientEncrypted bool        `json:"clientEncrypted"`
	UploadedBy      string      `json:"uploadedBy,omitempty"`
}

func newFileView(rec *store.FileRecord) fileView {
	return fileView{
		ID:              rec.ID,
		OriginalName:    rec.OriginalName,
		FileSize:        rec.FileSize,
		MimeType:        rec.MimeType,
		UploadDate:      rec.UploadedAt,
		ScanResult:      scanSummary{IsClean: rec.Scan.IsClean, Assessment: rec.Scan.Assessment},
		EncryptedSize:   rec.EncryptedSize,
		ClientEncrypted: rec.ClientEncrypted(),
		UploadedBy:      rec.UploadedBy,
	}
}

// parseListQuery reads page, limit, sort and order. Unknown values fall
// back to the store defaults.
func parseListQuery(r *http.Request) (store.Page, store.Sort) {
	q := r.URL.Query()
	page := store.Page{}
	if n, err := strconv.Atoi(q.Get("page")); err == nil {
		page.Number = n
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		page.Limit = n
	}

	srt := store.Sort{Field: store.SortField(q.Get("sort")), Desc: true}
	switch strings.ToLower(q.Get("order")) {
	case "asc":
		srt.Desc = false
	case "desc":
		srt.Desc = true
	}
	return page.Normalize(), srt.Normalize()
}

// contentDisposition builds an attachment header safe for any file name.
func contentDisposition(name string) string {
	ascii := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, name)
	return `attachment; filename="` + ascii + `"; filename*=UTF-8''` + url.PathEscape(name)
}

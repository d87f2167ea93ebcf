// Package access decides whether an authenticated identity may act on a
// file and records each decision in the audit trail.
package access

import (
	"context"
	"errors"
	"slices"

	"github.com/kenneth/file-custody/internal/audit"
	"github.com/kenneth/file-custody/internal/store"
)

// ErrForbidden is returned when the identity may not act on the file.
var ErrForbidden = errors.New("access denied")

// Elevated permissions. Holders act on files they do not own.
const (
	PermFilesReadAll   = "files:read_all"
	PermFilesDeleteAll = "files:delete_all"
	PermKeysRotate     = "keys:rotate"

	// PermFilesAssignClient lets an uploader attach a file to another
	// user's client id.
	PermFilesAssignClient = "files:assign_client"
)

// Identity is an already-authenticated caller.
type Identity struct {
	UserID      string
	Role        string
	Permissions []string
}

// Has reports whether the identity carries perm.
func (id Identity) Has(perm string) bool {
	return slices.Contains(id.Permissions, perm)
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored in ctx.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// Checker is the permission layer.
type Checker struct {
	adminRoles []string
	audit      audit.Logger
}

// NewChecker creates a checker. Identities whose role is in adminRoles hold
// every elevated permission.
func NewChecker(adminRoles []string, auditLogger audit.Logger) *Checker {
	return &Checker{adminRoles: adminRoles, audit: auditLogger}
}

// Elevated reports whether id holds perm directly or through an admin role.
func (c *Checker) Elevated(id Identity, perm string) bool {
	if id.Role != "" && slices.Contains(c.adminRoles, id.Role) {
		return true
	}
	return id.Has(perm)
}

// HasAccess reports whether id may act on record: it uploaded the file, the
// file belongs to its client id, or it holds perm.
func (c *Checker) HasAccess(record *store.FileRecord, id Identity, perm string) bool {
	if record == nil || id.UserID == "" {
		return false
	}
	if record.UploadedBy == id.UserID {
		return true
	}
	if record.ClientID != "" && record.ClientID == id.UserID {
		return true
	}
	return c.Elevated(id, perm)
}

// ClientIDFor returns the client id an upload by id may carry. An empty
// request or the caller's own id is always allowed; any other id needs
// PermFilesAssignClient, since the client id grants access to the file.
func (c *Checker) ClientIDFor(id Identity, requested string) (string, error) {
	if requested == "" || requested == id.UserID || c.Elevated(id, PermFilesAssignClient) {
		return requested, nil
	}
	c.LogAccess("", id.UserID, audit.ActionUpload, ErrForbidden)
	return "", ErrForbidden
}

// Authorize is HasAccess that records denials and returns ErrForbidden.
func (c *Checker) Authorize(record *store.FileRecord, id Identity, perm, action string) error {
	if c.HasAccess(record, id, perm) {
		return nil
	}
	fileID := ""
	if record != nil {
		fileID = record.ID
	}
	c.LogAccess(fileID, id.UserID, action, ErrForbidden)
	return ErrForbidden
}

// LogAccess records action by userID on fileID. A non-nil err marks the
// attempt as failed.
func (c *Checker) LogAccess(fileID, userID, action string, err error) {
	if c.audit == nil {
		return
	}
	c.audit.LogAccess(fileID, userID, action, err)
}

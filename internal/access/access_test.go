package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/file-custody/internal/audit"
	"github.com/kenneth/file-custody/internal/store"
)

func TestChecker_HasAccess(t *testing.T) {
	c := NewChecker([]string{"admin"}, nil)
	rec := store.NewFileRecord("f1", "a.txt", "text/plain", 10, "alice", "tenant-7")

	tests := []struct {
		name string
		id   Identity
		want bool
	}{
		{name: "uploader", id: Identity{UserID: "alice"}, want: true},
		{name: "client id", id: Identity{UserID: "tenant-7"}, want: true},
		{name: "stranger", id: Identity{UserID: "bob"}, want: false},
		{name: "admin role", id: Identity{UserID: "root", Role: "admin"}, want: true},
		{name: "explicit permission", id: Identity{UserID: "auditor", Permissions: []string{PermFilesReadAll}}, want: true},
		{name: "other permission", id: Identity{UserID: "auditor", Permissions: []string{PermFilesDeleteAll}}, want: false},
		{name: "anonymous", id: Identity{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.HasAccess(rec, tt.id, PermFilesReadAll))
		})
	}
}

func TestChecker_EmptyClientIDNeverMatches(t *testing.T) {
	c := NewChecker(nil, nil)
	rec := store.NewFileRecord("f1", "a.txt", "text/plain", 10, "alice", "")

	assert.False(t, c.HasAccess(rec, Identity{UserID: "bob"}, PermFilesReadAll))
	assert.False(t, c.HasAccess(nil, Identity{UserID: "alice"}, PermFilesReadAll))
}

func TestChecker_AuthorizeLogsDenial(t *testing.T) {
	auditLog := audit.NewLogger(10, nil)
	c := NewChecker(nil, auditLog)
	rec := store.NewFileRecord("f1", "a.txt", "text/plain", 10, "alice", "")

	require.NoError(t, c.Authorize(rec, Identity{UserID: "alice"}, PermFilesReadAll, audit.ActionView))
	assert.Empty(t, auditLog.Events())

	err := c.Authorize(rec, Identity{UserID: "bob"}, PermFilesReadAll, audit.ActionDownload)
	assert.ErrorIs(t, err, ErrForbidden)

	events := auditLog.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "f1", events[0].FileID)
	assert.Equal(t, "bob", events[0].UserID)
	assert.False(t, events[0].Success)
}

func TestChecker_ClientIDFor(t *testing.T) {
	auditLog := audit.NewLogger(10, nil)
	c := NewChecker([]string{"admin"}, auditLog)

	tests := []struct {
		name      string
		id        Identity
		requested string
		wantErr   bool
	}{
		{name: "none requested", id: Identity{UserID: "bob"}},
		{name: "own id", id: Identity{UserID: "bob"}, requested: "bob"},
		{name: "other user", id: Identity{UserID: "bob"}, requested: "alice", wantErr: true},
		{name: "admin role", id: Identity{UserID: "root", Role: "admin"}, requested: "alice"},
		{name: "explicit permission", id: Identity{UserID: "svc", Permissions: []string{PermFilesAssignClient}}, requested: "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ClientIDFor(tt.id, tt.requested)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrForbidden)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.requested, got)
		})
	}

	events := auditLog.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "bob", events[0].UserID)
	assert.False(t, events[0].Success)
}

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: "alice", Role: "user"})
	id, ok := IdentityFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", id.UserID)
}

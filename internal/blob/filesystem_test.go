package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "files"), nil)
	require.NoError(t, err)

	data := []byte("ciphertext bytes")
	require.NoError(t, s.Put(ctx, "abc.enc", bytes.NewReader(data), int64(len(data))))

	ok, err := s.Exists(ctx, "abc.enc")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Get(ctx, "abc.enc")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)

	require.NoError(t, s.Delete(ctx, "abc.enc"))
	require.NoError(t, s.Delete(ctx, "abc.enc"), "deleting twice is not an error")

	_, err = s.Get(ctx, "abc.enc")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = s.Exists(ctx, "abc.enc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_PutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), "one", bytes.NewReader([]byte("x")), 1))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "one", entries[0].Name())
}

func TestFileStore_RejectsUnsafeKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	for _, key := range []string{"", "../escape", "a/b", `a\b`, "bad\x00key"} {
		err := s.Put(context.Background(), key, bytes.NewReader(nil), 0)
		assert.Error(t, err, "key %q", key)
	}
}

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/file-custody/internal/crypto"
)

func newBackendWithMock(t *testing.T) (*SQLBackend, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewSQLBackend(db, DialectPostgres), mock, db
}

func TestSQLBackend_ConsumeToken_ConditionalUpdate(t *testing.T) {
	b, mock, db := newBackendWithMock(t)
	defer db.Close()

	now := time.UnixMilli(1_700_000_000_000)
	q := `(?s)^\s*UPDATE\s+download_tokens\s+SET\s+used_at\s*=\s*\$1\s+WHERE\s+token\s*=\s*\$2\s+AND\s+file_id\s*=\s*\$3\s+AND\s+used_at\s+IS\s+NULL\s+AND\s+expires_at\s*>=\s*\$1\s*$`

	mock.ExpectExec(q).WithArgs(now.UnixMilli(), "tok", "f1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs(now.UnixMilli(), "tok", "f1").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := b.ConsumeToken(context.Background(), "tok", "f1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.ConsumeToken(context.Background(), "tok", "f1", now)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_ConsumeToken_DBError(t *testing.T) {
	b, mock, db := newBackendWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE\s+download_tokens`).WillReturnError(driver.ErrBadConn)

	ok, err := b.ConsumeToken(context.Background(), "tok", "f1", time.Now())
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, IsUnavailable(err))
}

func TestSQLBackend_Put_Transaction(t *testing.T) {
	b, mock, db := newBackendWithMock(t)
	defer db.Close()

	rec := encryptedRecord("f1", "u1", "", "a.txt", 10, time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)^\s*INSERT\s+INTO\s+files\b.*ON\s+CONFLICT\s*\(id\)\s*DO\s+UPDATE\s+SET\b`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE\s+FROM\s+wrapped_secrets\s+WHERE\s+file_id\s*=\s*\$1`).
		WithArgs("f1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`(?s)INSERT\s+INTO\s+wrapped_secrets`).
		WithArgs("f1", "file_key", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), []byte("wrapped-f1"), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, b.Put(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_Put_RollbackOnSecretFailure(t *testing.T) {
	b, mock, db := newBackendWithMock(t)
	defer db.Close()

	rec := encryptedRecord("f1", "u1", "", "a.txt", 10, time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT\s+INTO\s+files`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE\s+FROM\s+wrapped_secrets`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT\s+INTO\s+wrapped_secrets`).WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := b.Put(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "constraint violation")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_Delete_NotFound(t *testing.T) {
	b, mock, db := newBackendWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE\s+FROM\s+wrapped_secrets`).WithArgs("missing").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE\s+FROM\s+files\s+WHERE\s+id\s*=\s*\$1`).WithArgs("missing").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := b.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_Get_NotFound(t *testing.T) {
	b, mock, db := newBackendWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)SELECT\s+id,.*FROM\s+files\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := b.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLBackend_List_OwnerFilter(t *testing.T) {
	b, mock, db := newBackendWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT\s+COUNT\(\*\)\s+FROM\s+files\s+WHERE\s+status\s*=\s*\$1\s+AND\s+\(uploaded_by\s*=\s*\$2\s+OR\s+client_id\s*=\s*\$2\)`).
		WithArgs("encrypted", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`(?s)SELECT\s+id,.*ORDER\s+BY\s+file_size\s+DESC,\s+id\s+ASC\s+LIMIT\s+\$3\s+OFFSET\s+\$4`).
		WithArgs("encrypted", "u1", 5, 5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	recs, total, err := b.List(context.Background(), "u1", Page{Number: 2, Limit: 5}, Sort{Field: SortFileSize, Desc: true})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, recs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_ReplaceSecrets_Atomic(t *testing.T) {
	b, mock, db := newBackendWithMock(t)
	defer db.Close()

	env := &crypto.Envelope{Algorithm: crypto.AlgorithmAES256GCM, Ciphertext: []byte("x"), KeyVersion: 2}
	list := []crypto.WrappedSecret{
		{FileID: "a", Slot: crypto.SlotFileKey, Envelope: env},
		{FileID: "b", Slot: crypto.SlotFileKey, Envelope: env},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE\s+wrapped_secrets`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE\s+wrapped_secrets`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := b.ReplaceSecrets(context.Background(), list)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteRebind(t *testing.T) {
	b := NewSQLBackend(nil, DialectSQLite)
	assert.Equal(t, "UPDATE t SET a = ?1 WHERE b = ?2 AND c >= ?1", b.q("UPDATE t SET a = $1 WHERE b = $2 AND c >= $1"))

	pg := NewSQLBackend(nil, DialectPostgres)
	assert.Equal(t, "SELECT $1", pg.q("SELECT $1"))
}

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/kenneth/file-custody/internal/crypto"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Dialect selects SQL driver and migration set.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DBTX is the subset of database/sql used by the repository.
// Both *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLBackend stores records in Postgres or SQLite through database/sql.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLBackend wraps an open database handle. Call Migrate before use.
func NewSQLBackend(db *sql.DB, dialect Dialect) *SQLBackend {
	return &SQLBackend{db: db, dialect: dialect}
}

// Migrate applies the embedded schema migrations for the backend dialect.
func (s *SQLBackend) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	gooseDialect, dir := "postgres", "migrations/postgres"
	if s.dialect == DialectSQLite {
		gooseDialect, dir = "sqlite3", "migrations/sqlite"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLBackend) Name() string { return string(s.dialect) }

func (s *SQLBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLBackend) Close() error {
	return s.db.Close()
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// q rewrites $N placeholders to SQLite's ?N form.
func (s *SQLBackend) q(query string) string {
	if s.dialect == DialectSQLite {
		return placeholderRe.ReplaceAllString(query, "?$1")
	}
	return query
}

// withTx runs fn in a transaction, committing on success and rolling back
// on error or panic.
func (s *SQLBackend) withTx(ctx context.Context, fn func(tx DBTX) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(tx)
}

const fileColumns = `id, original_name, stored_name, mime_type, file_size, encrypted_size,
	uploaded_by, client_id, scan_clean, scan_assessment, scan_threats, scan_warnings, file_hash,
	algorithm, kdf_iterations, salt, iv, tag,
	client_algorithm, client_key_length, client_iv_length, client_tag_length,
	status, uploaded_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*FileRecord, error) {
	var (
		rec                       FileRecord
		threats, warnings         string
		algorithm                 string
		iterations                int
		salt, iv, tag             []byte
		clientAlg                 string
		clientKey, clientIV, cTag int
		status                    string
		uploadedAt, updatedAt     int64
	)
	err := row.Scan(
		&rec.ID, &rec.OriginalName, &rec.StoredName, &rec.MimeType, &rec.FileSize, &rec.EncryptedSize,
		&rec.UploadedBy, &rec.ClientID, &rec.Scan.IsClean, &rec.Scan.Assessment, &threats, &warnings, &rec.Scan.FileHash,
		&algorithm, &iterations, &salt, &iv, &tag,
		&clientAlg, &clientKey, &clientIV, &cTag,
		&status, &uploadedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(threats), &rec.Scan.Threats); err != nil {
		return nil, fmt.Errorf("decode scan threats: %w", err)
	}
	if err := json.Unmarshal([]byte(warnings), &rec.Scan.Warnings); err != nil {
		return nil, fmt.Errorf("decode scan warnings: %w", err)
	}
	if algorithm != "" {
		rec.Envelope = &crypto.Envelope{Algorithm: algorithm, Iterations: iterations, Salt: salt, IV: iv, Tag: tag}
	}
	if clientAlg != "" {
		rec.Client = &ClientEncryption{Algorithm: clientAlg, KeyLength: clientKey, IVLength: clientIV, TagLength: cTag}
	}
	rec.Status = Status(status)
	rec.UploadedAt = time.UnixMilli(uploadedAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	rec.Secrets = make(map[string]*crypto.Envelope)
	return &rec, nil
}

func (s *SQLBackend) Get(ctx context.Context, id string) (*FileRecord, error) {
	rec, err := scanFile(s.db.QueryRowContext(ctx, s.q(`SELECT `+fileColumns+` FROM files WHERE id = $1`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select file: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT slot, algorithm, kdf_iterations, salt, iv, tag, ciphertext, key_version
		FROM wrapped_secrets WHERE file_id = $1`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to select secrets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var slot string
		var env crypto.Envelope
		if err := rows.Scan(&slot, &env.Algorithm, &env.Iterations, &env.Salt, &env.IV, &env.Tag, &env.Ciphertext, &env.KeyVersion); err != nil {
			return nil, err
		}
		rec.Secrets[slot] = &env
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rec, nil
}

var sortColumns = map[SortField]string{
	SortUploadDate:   "uploaded_at",
	SortOriginalName: "LOWER(original_name)",
	SortFileSize:     "file_size",
}

func (s *SQLBackend) List(ctx context.Context, ownerID string, page Page, srt Sort) ([]*FileRecord, int, error) {
	page = page.Normalize()
	srt = srt.Normalize()

	where := `status = $1`
	args := []any{string(StatusEncrypted)}
	if ownerID != "" {
		where += ` AND (uploaded_by = $2 OR client_id = $2)`
		args = append(args, ownerID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM files WHERE `+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count files: %w", err)
	}

	dir := "ASC"
	if srt.Desc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM files WHERE %s ORDER BY %s %s, id ASC LIMIT $%d OFFSET $%d`,
		fileColumns, where, sortColumns[srt.Field], dir, len(args)+1, len(args)+2)
	args = append(args, page.Limit, page.Offset())

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to select files: %w", err)
	}
	defer rows.Close()

	var out []*FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, 0, err
		}
		rec.Secrets = nil
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *SQLBackend) Put(ctx context.Context, record *FileRecord) error {
	threats, err := json.Marshal(nonNilStrings(record.Scan.Threats))
	if err != nil {
		return err
	}
	warnings, err := json.Marshal(nonNilStrings(record.Scan.Warnings))
	if err != nil {
		return err
	}

	var (
		algorithm     string
		iterations    int
		salt, iv, tag []byte
	)
	if record.Envelope != nil {
		algorithm, iterations = record.Envelope.Algorithm, record.Envelope.Iterations
		salt, iv, tag = record.Envelope.Salt, record.Envelope.IV, record.Envelope.Tag
	}
	var client ClientEncryption
	if record.Client != nil {
		client = *record.Client
	}

	return s.withTx(ctx, func(tx DBTX) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO files (`+fileColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
			ON CONFLICT (id) DO UPDATE SET
				stored_name = EXCLUDED.stored_name,
				mime_type = EXCLUDED.mime_type,
				file_size = EXCLUDED.file_size,
				encrypted_size = EXCLUDED.encrypted_size,
				scan_clean = EXCLUDED.scan_clean,
				scan_assessment = EXCLUDED.scan_assessment,
				scan_threats = EXCLUDED.scan_threats,
				scan_warnings = EXCLUDED.scan_warnings,
				file_hash = EXCLUDED.file_hash,
				algorithm = EXCLUDED.algorithm,
				kdf_iterations = EXCLUDED.kdf_iterations,
				salt = EXCLUDED.salt,
				iv = EXCLUDED.iv,
				tag = EXCLUDED.tag,
				status = EXCLUDED.status,
				updated_at = EXCLUDED.updated_at`),
			record.ID, record.OriginalName, record.StoredName, record.MimeType, record.FileSize, record.EncryptedSize,
			record.UploadedBy, record.ClientID, record.Scan.IsClean, record.Scan.Assessment, string(threats), string(warnings), record.Scan.FileHash,
			algorithm, iterations, salt, iv, tag,
			client.Algorithm, client.KeyLength, client.IVLength, client.TagLength,
			string(record.Status), record.UploadedAt.UnixMilli(), record.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert file: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM wrapped_secrets WHERE file_id = $1`), record.ID); err != nil {
			return fmt.Errorf("failed to clear secrets: %w", err)
		}
		for slot, env := range record.Secrets {
			if err := s.insertSecret(ctx, tx, record.ID, slot, env); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLBackend) insertSecret(ctx context.Context, tx DBTX, fileID, slot string, env *crypto.Envelope) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO wrapped_secrets (file_id, slot, algorithm, kdf_iterations, salt, iv, tag, ciphertext, key_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		fileID, slot, env.Algorithm, env.Iterations, nonNil(env.Salt), nonNil(env.IV), nonNil(env.Tag), nonNil(env.Ciphertext), env.KeyVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to insert secret %s: %w", slot, err)
	}
	return nil
}

func (s *SQLBackend) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx DBTX) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM wrapped_secrets WHERE file_id = $1`), id); err != nil {
			return fmt.Errorf("failed to delete secrets: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM files WHERE id = $1`), id)
		if err != nil {
			return fmt.Errorf("failed to delete file: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected error: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLBackend) ListSecrets(ctx context.Context) ([]crypto.WrappedSecret, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, slot, algorithm, kdf_iterations, salt, iv, tag, ciphertext, key_version FROM wrapped_secrets`)
	if err != nil {
		return nil, fmt.Errorf("failed to select secrets: %w", err)
	}
	defer rows.Close()

	var out []crypto.WrappedSecret
	for rows.Next() {
		var ws crypto.WrappedSecret
		env := &crypto.Envelope{}
		if err := rows.Scan(&ws.FileID, &ws.Slot, &env.Algorithm, &env.Iterations, &env.Salt, &env.IV, &env.Tag, &env.Ciphertext, &env.KeyVersion); err != nil {
			return nil, err
		}
		ws.Envelope = env
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceSecrets rewrites every given secret in one transaction. Rows that
// disappeared since listing are left absent.
func (s *SQLBackend) ReplaceSecrets(ctx context.Context, secrets []crypto.WrappedSecret) error {
	return s.withTx(ctx, func(tx DBTX) error {
		for _, ws := range secrets {
			env := ws.Envelope
			_, err := tx.ExecContext(ctx, s.q(`
				UPDATE wrapped_secrets
				SET algorithm = $1, kdf_iterations = $2, salt = $3, iv = $4, tag = $5, ciphertext = $6, key_version = $7
				WHERE file_id = $8 AND slot = $9`),
				env.Algorithm, env.Iterations, nonNil(env.Salt), nonNil(env.IV), nonNil(env.Tag), nonNil(env.Ciphertext), env.KeyVersion,
				ws.FileID, ws.Slot,
			)
			if err != nil {
				return fmt.Errorf("failed to update secret %s/%s: %w", ws.FileID, ws.Slot, err)
			}
		}
		return nil
	})
}

func (s *SQLBackend) InsertToken(ctx context.Context, token *DownloadToken) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO download_tokens (token, file_id, user_id, issued_at, expires_at, used_at)
		VALUES ($1, $2, $3, $4, $5, NULL)`),
		token.Token, token.FileID, token.UserID, token.IssuedAt.UnixMilli(), token.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// ConsumeToken sets used_at with a single conditional UPDATE; the row
// count decides the winner.
func (s *SQLBackend) ConsumeToken(ctx context.Context, token, fileID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE download_tokens SET used_at = $1
		WHERE token = $2 AND file_id = $3 AND used_at IS NULL AND expires_at >= $1`),
		now.UnixMilli(), token, fileID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func (s *SQLBackend) DeleteStaleTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM download_tokens WHERE used_at IS NOT NULL OR expires_at < $1`), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale tokens: %w", err)
	}
	return res.RowsAffected()
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// DialectForDSN picks the dialect from a DSN prefix.
func DialectForDSN(dsn string) Dialect {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") {
		return DialectPostgres
	}
	return DialectSQLite
}

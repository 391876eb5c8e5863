// Package sqlite implements store.Backend on a SQLite file using the pure-Go
// modernc.org/sqlite driver. The schema is managed by goose migrations
// embedded in the binary.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/alexjbarnes/tokengate/internal/models"
	"github.com/alexjbarnes/tokengate/internal/store"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// DB is a SQLite-backed store.Backend.
type DB struct {
	db *sql.DB
}

var _ store.Backend = (*DB)(nil)

// Open opens or creates the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")

	// Escape the path so '?', '#' and '%' in it are not read as URI syntax.
	dsn := "file:" + (&url.URL{Path: path}).EscapedPath() + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// A single connection serializes writers, so every statement below
	// runs without interleaving.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("creating goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the database connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// CreateClient inserts c, mapping a primary key violation to
// store.ErrDuplicateClient.
func (d *DB) CreateClient(ctx context.Context, c models.Client) error {
	scope, err := json.Marshal(c.Scope)
	if err != nil {
		return fmt.Errorf("encoding scope: %w", err)
	}

	perms, err := json.Marshal(c.Permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, secret_hash, grant_type, scope, permissions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ClientID, c.SecretHash, c.GrantType, string(scope), string(perms), c.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateClient
		}

		return fmt.Errorf("inserting client: %w", err)
	}

	return nil
}

const clientColumns = `client_id, secret_hash, grant_type, scope, permissions, created_at`

// GetClient returns a client by ID.
func (d *DB) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE client_id = ?`, clientID)

	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	return c, err
}

// ListClients returns all clients ordered by client_id.
func (d *DB) ListClients(ctx context.Context) ([]models.Client, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var clients []models.Client

	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}

		clients = append(clients, *c)
	}

	return clients, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(s scanner) (*models.Client, error) {
	var (
		c                  models.Client
		scope, permissions string
		createdAt          int64
	)

	if err := s.Scan(&c.ClientID, &c.SecretHash, &c.GrantType, &scope, &permissions, &createdAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scope), &c.Scope); err != nil {
		return nil, fmt.Errorf("decoding scope of %q: %w", c.ClientID, err)
	}

	if err := json.Unmarshal([]byte(permissions), &c.Permissions); err != nil {
		return nil, fmt.Errorf("decoding permissions of %q: %w", c.ClientID, err)
	}

	c.CreatedAt = time.Unix(0, createdAt).UTC()

	return &c, nil
}

// PutToken upserts rec as the client's only record.
func (d *DB) PutToken(ctx context.Context, rec models.TokenRecord) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO tokens (client_id, access_token_hash, refresh_token_hash,
			expires_at, refresh_expires_at, scope, usage_count, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			access_token_hash = excluded.access_token_hash,
			refresh_token_hash = excluded.refresh_token_hash,
			expires_at = excluded.expires_at,
			refresh_expires_at = excluded.refresh_expires_at,
			scope = excluded.scope,
			usage_count = excluded.usage_count,
			issued_at = excluded.issued_at`,
		rec.ClientID, rec.AccessTokenHash, rec.RefreshTokenHash,
		rec.ExpiresAt.UnixNano(), rec.RefreshExpiresAt.UnixNano(),
		rec.Scope, rec.UsageCount, rec.IssuedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("storing token: %w", err)
	}

	return nil
}

// SwapToken replaces the client's record only while it still carries
// oldRefreshHash. The WHERE clause makes the check and the write one
// statement.
func (d *DB) SwapToken(ctx context.Context, clientID, oldRefreshHash string, next models.TokenRecord) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE tokens SET
			access_token_hash = ?,
			refresh_token_hash = ?,
			expires_at = ?,
			refresh_expires_at = ?,
			scope = ?,
			usage_count = ?,
			issued_at = ?
		WHERE client_id = ? AND refresh_token_hash = ?`,
		next.AccessTokenHash, next.RefreshTokenHash,
		next.ExpiresAt.UnixNano(), next.RefreshExpiresAt.UnixNano(),
		next.Scope, next.UsageCount, next.IssuedAt.UnixNano(),
		clientID, oldRefreshHash,
	)
	if err != nil {
		return fmt.Errorf("swapping token: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swapping token: %w", err)
	}

	if n == 0 {
		return store.ErrConflict
	}

	return nil
}

const tokenColumns = `client_id, access_token_hash, refresh_token_hash,
	expires_at, refresh_expires_at, scope, usage_count, issued_at`

// GetTokenByAccessHash returns the record whose access token hashes to hash.
func (d *DB) GetTokenByAccessHash(ctx context.Context, hash string) (*models.TokenRecord, error) {
	return d.getToken(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE access_token_hash = ?`, hash)
}

// GetTokenByRefreshHash returns the record whose refresh token hashes to hash.
func (d *DB) GetTokenByRefreshHash(ctx context.Context, hash string) (*models.TokenRecord, error) {
	return d.getToken(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE refresh_token_hash = ?`, hash)
}

func (d *DB) getToken(ctx context.Context, query, hash string) (*models.TokenRecord, error) {
	var (
		rec                                    models.TokenRecord
		expiresAt, refreshExpiresAt, issuedAt int64
	)

	err := d.db.QueryRowContext(ctx, query, hash).Scan(
		&rec.ClientID, &rec.AccessTokenHash, &rec.RefreshTokenHash,
		&expiresAt, &refreshExpiresAt, &rec.Scope, &rec.UsageCount, &issuedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}

	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	rec.RefreshExpiresAt = time.Unix(0, refreshExpiresAt).UTC()
	rec.IssuedAt = time.Unix(0, issuedAt).UTC()

	return &rec, nil
}

// DeleteTokenByHash removes the record matching hash as either token.
func (d *DB) DeleteTokenByHash(ctx context.Context, hash string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE access_token_hash = ? OR refresh_token_hash = ?`, hash, hash)
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}

	return nil
}

// PurgeExpired removes every record that can no longer be used.
func (d *DB) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	ts := now.UnixNano()

	res, err := d.db.ExecContext(ctx, `
		DELETE FROM tokens
		WHERE expires_at <= ? AND (refresh_expires_at <= ? OR usage_count <= 0)`, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("purging tokens: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purging tokens: %w", err)
	}

	return int(n), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	return false
}

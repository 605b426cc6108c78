package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/chatgate/internal/identity"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	provider    TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	email       TEXT NOT NULL DEFAULT '',
	avatar      TEXT NOT NULL DEFAULT '',
	username    TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	last_login  INTEGER NOT NULL,
	UNIQUE (provider, provider_id)
);
CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
`

const selectUser = `SELECT id, provider, provider_id, name, email, avatar, username, created_at, last_login FROM users`

// SQLiteDirectory is a Directory backed by a SQLite database file.
type SQLiteDirectory struct {
	conn *sql.DB
	now  func() time.Time
}

var _ Directory = (*SQLiteDirectory)(nil)

// Open opens (or creates) the directory database at path. Use ":memory:" for a
// throwaway directory.
func Open(path string) (*SQLiteDirectory, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory database: %w", err)
	}

	// One connection: SQLite allows a single writer, and an in-memory
	// database is private to the connection that created it.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize directory schema: %w", err)
	}

	return &SQLiteDirectory{conn: conn, now: time.Now}, nil
}

// Close closes the underlying database.
func (d *SQLiteDirectory) Close() error {
	return d.conn.Close()
}

// FindOrCreate implements Directory. Lookup and insert share one transaction,
// and the insert folds into the existing row when another login for the same
// provider account created it first.
func (d *SQLiteDirectory) FindOrCreate(ctx context.Context, provider identity.Provider, providerID string, profile Profile) (*User, error) {
	if !provider.Valid() {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	if providerID == "" {
		return nil, errors.New("provider id is required")
	}

	now := d.now().UTC()

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		selectUser+` WHERE (provider = ? AND provider_id = ?) OR (email <> '' AND email = ?) LIMIT 1`,
		string(provider), providerID, profile.Email)
	user, err := scanUser(row)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, now.UnixMilli(), user.ID); err != nil {
			return nil, fmt.Errorf("failed to update last login: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit login: %w", err)
		}
		user.LastLogin = time.UnixMilli(now.UnixMilli()).UTC()
		return user, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, provider, provider_id, name, email, avatar, username, created_at, last_login)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, provider_id) DO UPDATE SET last_login = excluded.last_login`,
		uuid.NewString(), string(provider), providerID, profile.Name, profile.Email, profile.Avatar, profile.Username,
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	user, err = scanUser(tx.QueryRowContext(ctx,
		selectUser+` WHERE provider = ? AND provider_id = ?`, string(provider), providerID))
	if err != nil {
		return nil, fmt.Errorf("failed to read back user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user: %w", err)
	}
	return user, nil
}

// FindByID implements Directory.
func (d *SQLiteDirectory) FindByID(ctx context.Context, id string) (*User, error) {
	row := d.conn.QueryRowContext(ctx, selectUser+` WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", id, err)
	}
	return user, nil
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		user                 User
		provider             string
		createdAt, lastLogin int64
	)
	if err := row.Scan(&user.ID, &provider, &user.ProviderID, &user.Name, &user.Email,
		&user.Avatar, &user.Username, &createdAt, &lastLogin); err != nil {
		return nil, err
	}
	user.Provider = identity.Provider(provider)
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	user.LastLogin = time.UnixMilli(lastLogin).UTC()
	return &user, nil
}

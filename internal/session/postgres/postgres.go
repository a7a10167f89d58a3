// Package postgres provides a PostgreSQL-backed session store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	value      TEXT        NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (id, key)
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions (expires_at);
`

// noExpiry is stored for sessions of a store with a zero TTL.
var noExpiry = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Store keeps one row per session value. Every write extends the expiry of
// the whole session by the TTL; a zero TTL keeps sessions until cleared.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// New connects to databaseURL and ensures the sessions table exists.
func New(ctx context.Context, databaseURL string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, ttl: ttl}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the sessions table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, id, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sessions WHERE id = $1 AND key = $2 AND expires_at > NOW()`,
		id, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get session value: %w", err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, id, key, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	expires := noExpiry
	if s.ttl != 0 {
		expires = time.Now().Add(s.ttl)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, key, value, expires_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id, key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		id, key, value, expires); err != nil {
		return fmt.Errorf("set session value: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET expires_at = $2 WHERE id = $1`, id, expires); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, id string, keys ...string) error {
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE id = $1 AND key = $2`, id, k); err != nil {
			return fmt.Errorf("delete session value: %w", err)
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Purge removes expired rows and returns how many were deleted.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

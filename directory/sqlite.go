package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Directory stored in a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database at path, creating it and its parent
// directories if needed.
func NewSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS tokens (
			kind        TEXT NOT NULL,
			token       TEXT NOT NULL,
			broker_host TEXT NOT NULL,
			updated_at  DATETIME NOT NULL,
			PRIMARY KEY (kind, token),
			CHECK (kind IN ('agents', 'clients'))
		);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// AgentParams implements Directory.
func (s *SQLite) AgentParams(ctx context.Context, token string) (Entry, error) {
	return s.get(ctx, KindAgent, token)
}

// ClientParams implements Directory.
func (s *SQLite) ClientParams(ctx context.Context, token string) (Entry, error) {
	return s.get(ctx, KindClient, token)
}

func (s *SQLite) get(ctx context.Context, kind Kind, token string) (Entry, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx,
		`SELECT broker_host FROM tokens WHERE kind = ? AND token = ?`,
		string(kind), token,
	).Scan(&e.BrokerHost)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Entry{}, ErrNotFound
	case err != nil:
		return Entry{}, fmt.Errorf("querying token: %w", err)
	}
	return e, nil
}

// Put implements Directory.
func (s *SQLite) Put(ctx context.Context, kind Kind, token string, e Entry) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (kind, token, broker_host, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, token) DO UPDATE SET
			broker_host = excluded.broker_host,
			updated_at = excluded.updated_at`,
		string(kind), token, e.BrokerHost, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (s *SQLite) Delete(ctx context.Context, kind Kind, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE kind = ? AND token = ?`, string(kind), token)
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}

// Close implements Directory.
func (s *SQLite) Close() error {
	return s.db.Close()
}

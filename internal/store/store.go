// Package store provides the server's SQLite persistence: streams, events,
// per-stream metrics, device tokens, and receiver cursors.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

// TimeFormat is the fixed-width RFC3339 format used for stored timestamps.
// Fixed width keeps lexicographic ordering aligned with chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

var (
	// ErrNotFound marks a missing stream, stream metrics row, or token.
	ErrNotFound = errors.New("store: not found")
	// ErrRevoked marks a token that exists but has been revoked.
	ErrRevoked = errors.New("store: token revoked")
)

// Store wraps the server SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens the server database with WAL mode and busy_timeout, verifies
// the connection, and runs migrations.
func Open(path string) (*Store, error) {
	escapedPath := url.PathEscape(path)
	dsn := fmt.Sprintf(
		"file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		escapedPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Read parallelism for fan-out backfill and HTTP export; writes are
	// serialized by SQLite itself.
	db.SetMaxOpenConns(4)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ready reports whether the database answers queries with the schema in
// place. Backs the /readyz endpoint; it does not depend on any device
// being connected.
func (s *Store) Ready(ctx context.Context) error {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM streams`).Scan(&count); err != nil {
		return fmt.Errorf("readiness probe: %w", err)
	}
	return nil
}

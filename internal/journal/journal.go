// Package journal provides the forwarder's crash-safe on-disk journal.
//
// The journal owns sequence-number assignment: every accepted read is
// durably written with a (reader_ip, stream_epoch, seq) identity before the
// uplink is allowed to see it. The database runs WAL with synchronous=FULL
// so an acknowledged insert survives power loss.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

var (
	// ErrCorrupt is returned by Open when integrity_check fails. The owning
	// process must stop and surface this to the operator.
	ErrCorrupt = errors.New("journal: database failed integrity check")
	// ErrEmptyRead is returned for an insert with an empty raw_read_line.
	ErrEmptyRead = errors.New("journal: empty raw_read_line")
	// ErrDuplicate is returned when (reader_ip, epoch, seq) already exists.
	ErrDuplicate = errors.New("journal: duplicate event identity")
	// ErrUnknownStream is returned when a reader_ip has no stream_state row.
	ErrUnknownStream = errors.New("journal: unknown stream")
	// ErrEpochRegress is returned when BumpEpoch would lower the epoch.
	ErrEpochRegress = errors.New("journal: epoch may not decrease")
	// ErrBackpressure is returned when the watermark is exceeded and no
	// acked rows remain to prune.
	ErrBackpressure = errors.New("journal: watermark exceeded, no acked rows to prune")
)

// Journal wraps the single-writer SQLite database.
type Journal struct {
	db        *sql.DB
	watermark Watermark
}

// Option configures a Journal.
type Option func(*Journal)

// WithWatermark sets the disk watermark policy used by EnsureCapacity.
func WithWatermark(w Watermark) Option {
	return func(j *Journal) { j.watermark = w }
}

// Open opens (creating if needed) the journal database at path.
//
// PRAGMAs are pinned per connection: WAL journaling, synchronous=FULL,
// foreign keys on, busy_timeout. After opening, integrity_check must report
// "ok" or Open refuses with ErrCorrupt. Schema creation is idempotent.
func Open(path string, opts ...Option) (*Journal, error) {
	escapedPath := url.PathEscape(path)
	dsn := fmt.Sprintf(
		"file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		escapedPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	// Exactly one writer: the journal is a uniquely-owned resource and
	// database/sql serializes all access through the single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		db.Close()
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, result)
	}

	j := &Journal{db: db}
	for _, opt := range opts {
		opt(j)
	}

	if err := j.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Checkpoint truncates the WAL file. Run from the maintenance schedule so
// the WAL does not grow without bound between restarts.
func (j *Journal) Checkpoint(ctx context.Context) error {
	var busy, logFrames, checkpointed int64
	err := j.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").
		Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// journalMode returns the active journal mode (for tests).
func (j *Journal) journalMode() (string, error) {
	var mode string
	if err := j.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", err
	}
	return mode, nil
}

// syncMode returns the active synchronous level (for tests). 2 is FULL.
func (j *Journal) syncMode() (int, error) {
	var mode int
	if err := j.db.QueryRow("PRAGMA synchronous").Scan(&mode); err != nil {
		return 0, err
	}
	return mode, nil
}

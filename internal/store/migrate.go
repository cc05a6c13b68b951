package store

import (
	"context"
	"fmt"
)

// migrate creates the server schema. Idempotent.
func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS streams (
		stream_id     TEXT PRIMARY KEY,
		forwarder_id  TEXT NOT NULL,
		reader_ip     TEXT NOT NULL,
		display_alias TEXT,
		stream_epoch  INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT NOT NULL,
		UNIQUE(forwarder_id, reader_ip)
	);

	CREATE TABLE IF NOT EXISTS events (
		stream_id        TEXT NOT NULL REFERENCES streams(stream_id),
		stream_epoch     INTEGER NOT NULL,
		seq              INTEGER NOT NULL,
		reader_timestamp TEXT NOT NULL,
		raw_read_line    TEXT NOT NULL,
		read_type        TEXT NOT NULL,
		received_at      TEXT NOT NULL,
		PRIMARY KEY (stream_id, stream_epoch, seq)
	);

	CREATE TABLE IF NOT EXISTS stream_metrics (
		stream_id        TEXT PRIMARY KEY REFERENCES streams(stream_id),
		raw_count        INTEGER NOT NULL DEFAULT 0,
		dedup_count      INTEGER NOT NULL DEFAULT 0,
		retransmit_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS tokens (
		token_hash  TEXT PRIMARY KEY,
		device_type TEXT NOT NULL CHECK (device_type IN ('forwarder', 'receiver')),
		device_id   TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		revoked_at  TEXT
	);

	CREATE TABLE IF NOT EXISTS receiver_cursors (
		receiver_id  TEXT NOT NULL,
		stream_id    TEXT NOT NULL REFERENCES streams(stream_id),
		stream_epoch INTEGER NOT NULL,
		last_seq     INTEGER NOT NULL,
		PRIMARY KEY (receiver_id, stream_id, stream_epoch)
	);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

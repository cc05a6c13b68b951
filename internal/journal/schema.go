package journal

import (
	"context"
	"fmt"
)

// migrate creates the journal schema. Idempotent.
func (j *Journal) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS stream_state (
		reader_ip     TEXT PRIMARY KEY,
		current_epoch INTEGER NOT NULL,
		next_seq      INTEGER NOT NULL,
		acked_epoch   INTEGER NOT NULL,
		acked_seq     INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS journal (
		id               INTEGER PRIMARY KEY,
		reader_ip        TEXT NOT NULL,
		stream_epoch     INTEGER NOT NULL,
		seq              INTEGER NOT NULL,
		reader_timestamp TEXT,
		raw_read_line    TEXT NOT NULL,
		read_type        TEXT NOT NULL,
		UNIQUE(reader_ip, stream_epoch, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_journal_stream_order
		ON journal(reader_ip, stream_epoch, seq);
	`

	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Metrics are the per-stream ingest counters. raw == dedup + retransmit
// holds at all times: the counters only move together inside the ingest
// transaction.
type Metrics struct {
	RawCount        int64
	DedupCount      int64
	RetransmitCount int64
}

// StreamMetrics returns the counters for streamID. ErrNotFound when the
// stream is unknown.
func (s *Store) StreamMetrics(ctx context.Context, streamID string) (Metrics, error) {
	var m Metrics
	err := s.db.QueryRowContext(ctx, `
	SELECT raw_count, dedup_count, retransmit_count
	FROM stream_metrics WHERE stream_id = ?`, streamID,
	).Scan(&m.RawCount, &m.DedupCount, &m.RetransmitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Metrics{}, fmt.Errorf("%w: metrics for stream %s", ErrNotFound, streamID)
	}
	if err != nil {
		return Metrics{}, fmt.Errorf("read metrics %s: %w", streamID, err)
	}
	return m, nil
}

func bumpMetricsTx(ctx context.Context, tx *sql.Tx, streamID string, raw, dedup, retransmit int64) error {
	if _, err := tx.ExecContext(ctx, `
	UPDATE stream_metrics
	SET raw_count = raw_count + ?,
	    dedup_count = dedup_count + ?,
	    retransmit_count = retransmit_count + ?
	WHERE stream_id = ?`,
		raw, dedup, retransmit, streamID,
	); err != nil {
		return fmt.Errorf("bump metrics %s: %w", streamID, err)
	}
	return nil
}

// Backlog returns how many events on the stream sit beyond the slowest
// subscribed receiver's cursor. Streams with no receiver cursors report 0.
func (s *Store) Backlog(ctx context.Context, streamID string) (int64, error) {
	var minEpoch, minSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
	SELECT stream_epoch, last_seq FROM receiver_cursors rc
	WHERE stream_id = ?
	  AND stream_epoch = (SELECT MAX(stream_epoch) FROM receiver_cursors
	                      WHERE receiver_id = rc.receiver_id AND stream_id = rc.stream_id)
	ORDER BY stream_epoch ASC, last_seq ASC LIMIT 1`, streamID,
	).Scan(&minEpoch, &minSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("backlog cursor %s: %w", streamID, err)
	}

	var backlog int64
	err = s.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM events
	WHERE stream_id = ?
	  AND (stream_epoch > ? OR (stream_epoch = ? AND seq > ?))`,
		streamID, minEpoch.Int64, minEpoch.Int64, minSeq.Int64,
	).Scan(&backlog)
	if err != nil {
		return 0, fmt.Errorf("backlog count %s: %w", streamID, err)
	}
	return backlog, nil
}

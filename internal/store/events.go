package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StoredEvent is one canonical event row.
type StoredEvent struct {
	StreamID        string
	StreamEpoch     uint64
	Seq             uint64
	ReaderTimestamp string
	RawReadLine     string
	ReadType        string
	ReceivedAt      time.Time
}

// EventsAfter returns events for streamID strictly greater than
// (fromEpoch, fromSeq) in (epoch, seq) ascending order. limit <= 0 means
// no limit. Used for receiver backfill.
func (s *Store) EventsAfter(ctx context.Context, streamID string, fromEpoch, fromSeq uint64, limit int) ([]StoredEvent, error) {
	const query = `
	SELECT stream_id, stream_epoch, seq, reader_timestamp, raw_read_line, read_type, received_at
	FROM events
	WHERE stream_id = ?
	  AND (stream_epoch > ? OR (stream_epoch = ? AND seq > ?))
	ORDER BY stream_epoch ASC, seq ASC
	LIMIT ?
	`
	lim := int64(limit)
	if limit <= 0 {
		lim = -1
	}
	rows, err := s.db.QueryContext(ctx, query,
		streamID, int64(fromEpoch), int64(fromEpoch), int64(fromSeq), lim)
	if err != nil {
		return nil, fmt.Errorf("query events after (%s, %d, %d): %w", streamID, fromEpoch, fromSeq, err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ExportEvents returns every canonical event for streamID in (epoch, seq)
// order, feeding the export endpoints.
func (s *Store) ExportEvents(ctx context.Context, streamID string) ([]StoredEvent, error) {
	return s.EventsAfter(ctx, streamID, 0, 0, 0)
}

// HeadSeq returns the highest stored seq for (streamID, epoch), or 0 when
// the epoch has no events.
func (s *Store) HeadSeq(ctx context.Context, streamID string, epoch uint64) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE stream_id = ? AND stream_epoch = ?`,
		streamID, int64(epoch),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("head seq (%s, %d): %w", streamID, epoch, err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// LastReceivedAt returns the received_at of the newest event on the
// stream, or the zero time when the stream has no events.
func (s *Store) LastReceivedAt(ctx context.Context, streamID string) (time.Time, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `
	SELECT received_at FROM events WHERE stream_id = ?
	ORDER BY stream_epoch DESC, seq DESC LIMIT 1`, streamID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last received_at %s: %w", streamID, err)
	}
	t, err := time.Parse(TimeFormat, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse received_at %q: %w", ts, err)
	}
	return t, nil
}

func collectEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var events []StoredEvent
	for rows.Next() {
		var e StoredEvent
		var epoch, seq int64
		var receivedAt string
		if err := rows.Scan(&e.StreamID, &epoch, &seq, &e.ReaderTimestamp, &e.RawReadLine, &e.ReadType, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.StreamEpoch = uint64(epoch)
		e.Seq = uint64(seq)
		t, err := time.Parse(TimeFormat, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("parse received_at %q: %w", receivedAt, err)
		}
		e.ReceivedAt = t
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events rows: %w", err)
	}
	return events, nil
}

package store

import (
	"context"
	"fmt"

	"github.com/graaaaa/timerelay/internal/protocol"
)

// ReceiverCursor is the persisted delivery watermark for one
// (receiver, stream, epoch).
type ReceiverCursor struct {
	ReceiverID  string
	StreamID    string
	StreamEpoch uint64
	LastSeq     uint64
}

// UpdateReceiverCursor advances the cursor for (receiverID, streamID,
// epoch) to lastSeq. Within an epoch the cursor is monotonically
// non-decreasing: a lower ack is ignored without error.
func (s *Store) UpdateReceiverCursor(ctx context.Context, receiverID, streamID string, epoch, lastSeq uint64) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO receiver_cursors (receiver_id, stream_id, stream_epoch, last_seq)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(receiver_id, stream_id, stream_epoch)
	DO UPDATE SET last_seq = excluded.last_seq
	WHERE excluded.last_seq > receiver_cursors.last_seq`,
		receiverID, streamID, int64(epoch), int64(lastSeq))
	if err != nil {
		return fmt.Errorf("update receiver cursor (%s, %s, %d): %w", receiverID, streamID, epoch, err)
	}
	return nil
}

// ReceiverCursors returns all cursors for receiverID.
func (s *Store) ReceiverCursors(ctx context.Context, receiverID string) ([]ReceiverCursor, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT receiver_id, stream_id, stream_epoch, last_seq
	FROM receiver_cursors WHERE receiver_id = ?
	ORDER BY stream_id, stream_epoch`, receiverID)
	if err != nil {
		return nil, fmt.Errorf("query receiver cursors %s: %w", receiverID, err)
	}
	defer rows.Close()

	var cursors []ReceiverCursor
	for rows.Next() {
		var c ReceiverCursor
		var epoch, seq int64
		if err := rows.Scan(&c.ReceiverID, &c.StreamID, &epoch, &seq); err != nil {
			return nil, fmt.Errorf("scan receiver cursor: %w", err)
		}
		c.StreamEpoch = uint64(epoch)
		c.LastSeq = uint64(seq)
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receiver cursors rows: %w", err)
	}
	return cursors, nil
}

// LatestReceiverCursor returns the lexicographically greatest (epoch, seq)
// cursor the receiver holds for streamID, or (0, 0) when none exists.
func (s *Store) LatestReceiverCursor(ctx context.Context, receiverID, streamID string) (epoch, seq uint64, err error) {
	cursors, err := s.ReceiverCursors(ctx, receiverID)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range cursors {
		if c.StreamID != streamID {
			continue
		}
		if protocol.CursorLess(epoch, seq, c.StreamEpoch, c.LastSeq) {
			epoch, seq = c.StreamEpoch, c.LastSeq
		}
	}
	return epoch, seq, nil
}

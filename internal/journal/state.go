package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/graaaaa/timerelay/internal/protocol"
)

// StreamState is the per-reader bookkeeping row.
type StreamState struct {
	ReaderIP     string
	CurrentEpoch uint64
	NextSeq      uint64
	AckedEpoch   uint64
	AckedSeq     uint64
}

// EnsureStreamState creates the stream_state row for readerIP if absent.
// An existing row is left untouched regardless of initialEpoch.
func (j *Journal) EnsureStreamState(ctx context.Context, readerIP string, initialEpoch uint64) error {
	const query = `
	INSERT INTO stream_state (reader_ip, current_epoch, next_seq, acked_epoch, acked_seq)
	VALUES (?, ?, 1, 0, 0)
	ON CONFLICT(reader_ip) DO NOTHING
	`
	if _, err := j.db.ExecContext(ctx, query, readerIP, int64(initialEpoch)); err != nil {
		return fmt.Errorf("ensure stream state %s: %w", readerIP, err)
	}
	return nil
}

// NextSeq atomically claims the next sequence number for readerIP and
// returns it together with the current epoch. The first claim in a fresh
// epoch returns 1; the counter never regresses and never skips.
func (j *Journal) NextSeq(ctx context.Context, readerIP string) (epoch, seq uint64, err error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin next_seq: %w", err)
	}
	defer tx.Rollback()

	var e, s int64
	err = tx.QueryRowContext(ctx,
		`SELECT current_epoch, next_seq FROM stream_state WHERE reader_ip = ?`, readerIP,
	).Scan(&e, &s)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownStream, readerIP)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read next_seq %s: %w", readerIP, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE stream_state SET next_seq = next_seq + 1 WHERE reader_ip = ?`, readerIP,
	); err != nil {
		return 0, 0, fmt.Errorf("advance next_seq %s: %w", readerIP, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit next_seq: %w", err)
	}
	return uint64(e), uint64(s), nil
}

// BumpEpoch advances readerIP to newEpoch and restarts seq assignment at 1.
// Rows from older epochs are preserved; unacked ones keep draining.
func (j *Journal) BumpEpoch(ctx context.Context, readerIP string, newEpoch uint64) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bump_epoch: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT current_epoch FROM stream_state WHERE reader_ip = ?`, readerIP,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownStream, readerIP)
	}
	if err != nil {
		return fmt.Errorf("read epoch %s: %w", readerIP, err)
	}
	if newEpoch < uint64(current) {
		return fmt.Errorf("%w: current %d, requested %d", ErrEpochRegress, current, newEpoch)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE stream_state SET current_epoch = ?, next_seq = 1 WHERE reader_ip = ?`,
		int64(newEpoch), readerIP,
	); err != nil {
		return fmt.Errorf("bump epoch %s: %w", readerIP, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bump_epoch: %w", err)
	}
	return nil
}

// UpdateAckCursor advances the acked cursor for readerIP to (epoch, seq) if
// that is lexicographically greater than the stored cursor. Strictly older
// acks are ignored without error.
func (j *Journal) UpdateAckCursor(ctx context.Context, readerIP string, epoch, seq uint64) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ack cursor: %w", err)
	}
	defer tx.Rollback()

	var e, s int64
	err = tx.QueryRowContext(ctx,
		`SELECT acked_epoch, acked_seq FROM stream_state WHERE reader_ip = ?`, readerIP,
	).Scan(&e, &s)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownStream, readerIP)
	}
	if err != nil {
		return fmt.Errorf("read ack cursor %s: %w", readerIP, err)
	}

	if !protocol.CursorLess(uint64(e), uint64(s), epoch, seq) {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE stream_state SET acked_epoch = ?, acked_seq = ? WHERE reader_ip = ?`,
		int64(epoch), int64(seq), readerIP,
	); err != nil {
		return fmt.Errorf("update ack cursor %s: %w", readerIP, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ack cursor: %w", err)
	}
	return nil
}

// AckCursor returns the persisted (acked_epoch, acked_seq) for readerIP.
func (j *Journal) AckCursor(ctx context.Context, readerIP string) (epoch, seq uint64, err error) {
	var e, s int64
	err = j.db.QueryRowContext(ctx,
		`SELECT acked_epoch, acked_seq FROM stream_state WHERE reader_ip = ?`, readerIP,
	).Scan(&e, &s)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownStream, readerIP)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read ack cursor %s: %w", readerIP, err)
	}
	return uint64(e), uint64(s), nil
}

// StreamStates returns all stream_state rows ordered by reader_ip. Used to
// build hello resume cursors and the status page.
func (j *Journal) StreamStates(ctx context.Context) ([]StreamState, error) {
	rows, err := j.db.QueryContext(ctx, `
	SELECT reader_ip, current_epoch, next_seq, acked_epoch, acked_seq
	FROM stream_state ORDER BY reader_ip`)
	if err != nil {
		return nil, fmt.Errorf("query stream states: %w", err)
	}
	defer rows.Close()

	var states []StreamState
	for rows.Next() {
		var st StreamState
		var ce, ns, ae, as int64
		if err := rows.Scan(&st.ReaderIP, &ce, &ns, &ae, &as); err != nil {
			return nil, fmt.Errorf("scan stream state: %w", err)
		}
		st.CurrentEpoch = uint64(ce)
		st.NextSeq = uint64(ns)
		st.AckedEpoch = uint64(ae)
		st.AckedSeq = uint64(as)
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stream states rows: %w", err)
	}
	return states, nil
}

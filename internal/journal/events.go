package journal

import (
	"context"
	"fmt"
	"strings"
)

// Event is one journaled read.
type Event struct {
	ReaderIP        string
	StreamEpoch     uint64
	Seq             uint64
	ReaderTimestamp string
	RawReadLine     string
	ReadType        string
}

// InsertEvent durably writes one read. The write is committed with
// synchronous=FULL before return, so a successful insert survives power
// loss. Empty raw_read_line is rejected; an existing identity yields
// ErrDuplicate.
func (j *Journal) InsertEvent(ctx context.Context, e Event) error {
	if e.RawReadLine == "" {
		return ErrEmptyRead
	}

	const query = `
	INSERT INTO journal (reader_ip, stream_epoch, seq, reader_timestamp, raw_read_line, read_type)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query,
		e.ReaderIP, int64(e.StreamEpoch), int64(e.Seq),
		nullable(e.ReaderTimestamp), e.RawReadLine, e.ReadType,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: (%s, %d, %d)", ErrDuplicate, e.ReaderIP, e.StreamEpoch, e.Seq)
		}
		return fmt.Errorf("insert event (%s, %d, %d): %w", e.ReaderIP, e.StreamEpoch, e.Seq, err)
	}
	return nil
}

// UnackedEvents returns journal rows for readerIP strictly greater than
// (fromEpoch, fromSeq) in (epoch, seq) ascending order. limit <= 0 means
// no limit.
func (j *Journal) UnackedEvents(ctx context.Context, readerIP string, fromEpoch, fromSeq uint64, limit int) ([]Event, error) {
	const query = `
	SELECT reader_ip, stream_epoch, seq, COALESCE(reader_timestamp, ''), raw_read_line, read_type
	FROM journal
	WHERE reader_ip = ?
	  AND (stream_epoch > ? OR (stream_epoch = ? AND seq > ?))
	ORDER BY stream_epoch ASC, seq ASC
	LIMIT ?
	`
	lim := int64(limit)
	if limit <= 0 {
		lim = -1
	}
	rows, err := j.db.QueryContext(ctx, query,
		readerIP, int64(fromEpoch), int64(fromEpoch), int64(fromSeq), lim)
	if err != nil {
		return nil, fmt.Errorf("query unacked events %s: %w", readerIP, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var epoch, seq int64
		if err := rows.Scan(&e.ReaderIP, &epoch, &seq, &e.ReaderTimestamp, &e.RawReadLine, &e.ReadType); err != nil {
			return nil, fmt.Errorf("scan unacked event: %w", err)
		}
		e.StreamEpoch = uint64(epoch)
		e.Seq = uint64(seq)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unacked events rows: %w", err)
	}
	return events, nil
}

// TotalEventCount returns the exact journal row count across all streams.
func (j *Journal) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count journal rows: %w", err)
	}
	return count, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

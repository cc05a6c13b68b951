package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/graaaaa/timerelay/internal/protocol"
)

// Outcome classifies one event upsert.
type Outcome int

const (
	// OutcomeInserted: new identity, new row.
	OutcomeInserted Outcome = iota
	// OutcomeRetransmit: identity exists, payload byte-identical.
	OutcomeRetransmit
	// OutcomeIntegrityConflict: identity exists, payload differs. The
	// stored row wins and is left unchanged.
	OutcomeIntegrityConflict
)

// String returns the outcome name for logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeRetransmit:
		return "retransmit"
	case OutcomeIntegrityConflict:
		return "integrity_conflict"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// IngestedEvent pairs an input event with its resolved stream and outcome.
type IngestedEvent struct {
	Stream  Stream
	Event   protocol.ReadEvent
	Outcome Outcome
}

// IngestResult is the per-batch ingest summary.
type IngestResult struct {
	// Events mirrors the input order.
	Events []IngestedEvent
	// Acks holds one entry per (stream, epoch) with the maximum seq among
	// the batch's successfully persisted (inserted or retransmit) events.
	Acks []protocol.AckEntry
}

// IngestBatch persists a forwarder batch all-or-nothing in one transaction.
//
// For each event the stream is resolved via upsert, the event row is
// upserted on its (stream_id, epoch, seq) identity, metrics are bumped in
// the same transaction, and the stream epoch is advanced when a higher
// epoch is observed. Integrity conflicts leave the stored row and the
// metrics untouched.
func (s *Store) IngestBatch(ctx context.Context, events []protocol.ReadEvent) (IngestResult, error) {
	var result IngestResult
	if len(events) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback()

	receivedAt := time.Now().UTC().Format(TimeFormat)
	streams := make(map[string]Stream)
	type streamEpoch struct {
		forwarderID string
		readerIP    string
		epoch       uint64
	}
	high := make(map[streamEpoch]uint64)

	for _, ev := range events {
		key := ev.ForwarderID + "\x00" + ev.ReaderIP
		st, ok := streams[key]
		if !ok {
			st, err = upsertStreamTx(ctx, tx, ev.ForwarderID, ev.ReaderIP)
			if err != nil {
				return IngestResult{}, err
			}
			streams[key] = st
		}

		outcome, err := upsertEventTx(ctx, tx, st.ID, ev, receivedAt)
		if err != nil {
			return IngestResult{}, err
		}

		if outcome != OutcomeIntegrityConflict {
			if err := advanceEpochTx(ctx, tx, st.ID, ev.StreamEpoch); err != nil {
				return IngestResult{}, err
			}
			if ev.StreamEpoch > st.StreamEpoch {
				st.StreamEpoch = ev.StreamEpoch
				streams[key] = st
			}
			se := streamEpoch{ev.ForwarderID, ev.ReaderIP, ev.StreamEpoch}
			if ev.Seq > high[se] {
				high[se] = ev.Seq
			}
		}

		result.Events = append(result.Events, IngestedEvent{Stream: st, Event: ev, Outcome: outcome})
	}

	if err := tx.Commit(); err != nil {
		return IngestResult{}, fmt.Errorf("commit ingest: %w", err)
	}

	for se, seq := range high {
		result.Acks = append(result.Acks, protocol.AckEntry{
			ForwarderID: se.forwarderID,
			ReaderIP:    se.readerIP,
			StreamEpoch: se.epoch,
			LastSeq:     seq,
		})
	}
	sort.Slice(result.Acks, func(i, j int) bool {
		a, b := result.Acks[i], result.Acks[j]
		if a.ReaderIP != b.ReaderIP {
			return a.ReaderIP < b.ReaderIP
		}
		return a.StreamEpoch < b.StreamEpoch
	})
	return result, nil
}

func upsertEventTx(ctx context.Context, tx *sql.Tx, streamID string, ev protocol.ReadEvent, receivedAt string) (Outcome, error) {
	var storedTimestamp, storedLine, storedType string
	err := tx.QueryRowContext(ctx, `
	SELECT reader_timestamp, raw_read_line, read_type
	FROM events WHERE stream_id = ? AND stream_epoch = ? AND seq = ?`,
		streamID, int64(ev.StreamEpoch), int64(ev.Seq),
	).Scan(&storedTimestamp, &storedLine, &storedType)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (stream_id, stream_epoch, seq, reader_timestamp, raw_read_line, read_type, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
			streamID, int64(ev.StreamEpoch), int64(ev.Seq),
			ev.ReaderTimestamp, ev.RawReadLine, ev.ReadType, receivedAt,
		); err != nil {
			return 0, fmt.Errorf("insert event (%s, %d, %d): %w", streamID, ev.StreamEpoch, ev.Seq, err)
		}
		if err := bumpMetricsTx(ctx, tx, streamID, 1, 1, 0); err != nil {
			return 0, err
		}
		return OutcomeInserted, nil

	case err != nil:
		return 0, fmt.Errorf("lookup event (%s, %d, %d): %w", streamID, ev.StreamEpoch, ev.Seq, err)

	case storedLine == ev.RawReadLine && storedTimestamp == ev.ReaderTimestamp && storedType == ev.ReadType:
		if err := bumpMetricsTx(ctx, tx, streamID, 1, 0, 1); err != nil {
			return 0, err
		}
		return OutcomeRetransmit, nil

	default:
		return OutcomeIntegrityConflict, nil
	}
}

package journal

import (
	"context"
	"fmt"
)

// Watermark is the disk pruning policy. When the journal row count exceeds
// Pct percent of CeilingRows, acked rows are pruned; only when no acked
// rows remain may the journal refuse new inserts.
type Watermark struct {
	// CeilingRows is the maximum journal size expressed in rows.
	CeilingRows int64
	// Pct is the pruning trigger as a percentage of CeilingRows.
	Pct int
}

// enabled reports whether the policy is configured.
func (w Watermark) enabled() bool {
	return w.CeilingRows > 0 && w.Pct > 0
}

// threshold returns the row count above which pruning runs.
func (w Watermark) threshold() int64 {
	return w.CeilingRows * int64(w.Pct) / 100
}

// Exceeded reports whether total is above the pruning threshold.
func (w Watermark) Exceeded(total int64) bool {
	return w.enabled() && total > w.threshold()
}

// PruneAcked deletes up to maxRows acked rows for readerIP, oldest first.
// A row is acked when its (epoch, seq) is <= the stream's acked cursor.
// Unacked rows are never touched. Returns the count actually deleted.
func (j *Journal) PruneAcked(ctx context.Context, readerIP string, maxRows int) (int64, error) {
	if maxRows <= 0 {
		return 0, nil
	}

	ackedEpoch, ackedSeq, err := j.AckCursor(ctx, readerIP)
	if err != nil {
		return 0, err
	}

	const query = `
	DELETE FROM journal WHERE id IN (
		SELECT id FROM journal
		WHERE reader_ip = ?
		  AND (stream_epoch < ? OR (stream_epoch = ? AND seq <= ?))
		ORDER BY stream_epoch ASC, seq ASC
		LIMIT ?
	)
	`
	result, err := j.db.ExecContext(ctx, query,
		readerIP, int64(ackedEpoch), int64(ackedEpoch), int64(ackedSeq), maxRows)
	if err != nil {
		return 0, fmt.Errorf("prune acked %s: %w", readerIP, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return deleted, nil
}

// pruneBatch is the per-round deletion size used by EnsureCapacity.
const pruneBatch = 256

// EnsureCapacity enforces the watermark policy before an insert. While the
// journal is over the threshold it prunes acked rows across all streams in
// rounds; if a full pass frees nothing and the journal is still over, the
// insert must be refused: ErrBackpressure.
func (j *Journal) EnsureCapacity(ctx context.Context) error {
	if !j.watermark.enabled() {
		return nil
	}

	for {
		total, err := j.TotalEventCount(ctx)
		if err != nil {
			return err
		}
		if !j.watermark.Exceeded(total) {
			return nil
		}

		states, err := j.StreamStates(ctx)
		if err != nil {
			return err
		}
		var freed int64
		for _, st := range states {
			n, err := j.PruneAcked(ctx, st.ReaderIP, pruneBatch)
			if err != nil {
				return err
			}
			freed += n
		}
		if freed == 0 {
			return ErrBackpressure
		}
	}
}

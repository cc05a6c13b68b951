package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestPruneAckedOnlyRemovesAckedRows(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.EnsureStreamState(ctx, "10.0.0.1", 1); err != nil {
		t.Fatalf("EnsureStreamState: %v", err)
	}
	for seq := uint64(1); seq <= 5; seq++ {
		mustInsert(t, j, "10.0.0.1", 1, seq, "line")
	}
	if err := j.UpdateAckCursor(ctx, "10.0.0.1", 1, 3); err != nil {
		t.Fatalf("UpdateAckCursor: %v", err)
	}

	// maxRows far above the acked count: only the 3 acked rows may go.
	deleted, err := j.PruneAcked(ctx, "10.0.0.1", 1000)
	if err != nil {
		t.Fatalf("PruneAcked: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}

	events, err := j.UnackedEvents(ctx, "10.0.0.1", 0, 0, 0)
	if err != nil {
		t.Fatalf("UnackedEvents: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 4 || events[1].Seq != 5 {
		t.Errorf("remaining = %+v, want seqs 4 and 5", events)
	}
}

func TestPruneAckedDeletesOldestFirst(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.EnsureStreamState(ctx, "10.0.0.1", 1); err != nil {
		t.Fatalf("EnsureStreamState: %v", err)
	}
	for seq := uint64(1); seq <= 4; seq++ {
		mustInsert(t, j, "10.0.0.1", 1, seq, "line")
	}
	if err := j.UpdateAckCursor(ctx, "10.0.0.1", 1, 4); err != nil {
		t.Fatalf("UpdateAckCursor: %v", err)
	}

	if _, err := j.PruneAcked(ctx, "10.0.0.1", 2); err != nil {
		t.Fatalf("PruneAcked: %v", err)
	}

	total, err := j.TotalEventCount(ctx)
	if err != nil {
		t.Fatalf("TotalEventCount: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	// Seqs 1 and 2 went; 3 and 4 remain.
	events, err := j.UnackedEvents(ctx, "10.0.0.1", 0, 0, 0)
	if err != nil {
		t.Fatalf("UnackedEvents: %v", err)
	}
	if events[0].Seq != 3 || events[1].Seq != 4 {
		t.Errorf("remaining seqs = %d, %d, want 3, 4", events[0].Seq, events[1].Seq)
	}
}

func TestEnsureCapacityPrunesAckedThenRefuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.sqlite3")
	j, err := Open(path, WithWatermark(Watermark{CeilingRows: 10, Pct: 80}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()
	ctx := context.Background()

	if err := j.EnsureStreamState(ctx, "10.0.0.1", 1); err != nil {
		t.Fatalf("EnsureStreamState: %v", err)
	}
	// 9 rows: over the threshold of 8.
	for seq := uint64(1); seq <= 9; seq++ {
		mustInsert(t, j, "10.0.0.1", 1, seq, "line")
	}
	if err := j.UpdateAckCursor(ctx, "10.0.0.1", 1, 6); err != nil {
		t.Fatalf("UpdateAckCursor: %v", err)
	}

	// Acked rows exist: capacity is recovered by pruning them.
	if err := j.EnsureCapacity(ctx); err != nil {
		t.Fatalf("EnsureCapacity: %v", err)
	}
	total, err := j.TotalEventCount(ctx)
	if err != nil {
		t.Fatalf("TotalEventCount: %v", err)
	}
	if total != 3 {
		t.Errorf("total after prune = %d, want 3 unacked", total)
	}

	// Fill with unacked rows past the threshold: nothing prunable left.
	for seq := uint64(10); seq <= 18; seq++ {
		mustInsert(t, j, "10.0.0.1", 1, seq, "line")
	}
	if err := j.EnsureCapacity(ctx); !errors.Is(err, ErrBackpressure) {
		t.Errorf("err = %v, want ErrBackpressure", err)
	}

	// Backpressure must not have eaten into unacked territory.
	events, err := j.UnackedEvents(ctx, "10.0.0.1", 1, 6, 0)
	if err != nil {
		t.Fatalf("UnackedEvents: %v", err)
	}
	if len(events) != 12 {
		t.Errorf("unacked = %d, want 12", len(events))
	}
}

func TestWatermarkThreshold(t *testing.T) {
	w := Watermark{CeilingRows: 1000, Pct: 80}
	if w.Exceeded(800) {
		t.Error("800/1000 at 80%% should not be exceeded")
	}
	if !w.Exceeded(801) {
		t.Error("801/1000 at 80%% should be exceeded")
	}
	if (Watermark{}).Exceeded(1 << 40) {
		t.Error("unconfigured watermark must never trigger")
	}
}

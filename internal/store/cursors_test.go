package store

import (
	"context"
	"testing"

	"github.com/graaaaa/timerelay/internal/protocol"
)

func seedStream(t *testing.T, s *Store) Stream {
	t.Helper()
	if _, err := s.IngestBatch(context.Background(), []protocol.ReadEvent{
		readEvent(1, 1, "a"), readEvent(1, 2, "b"),
	}); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	st, err := s.FindStream(context.Background(), "fwd-01", "192.168.50.1")
	if err != nil {
		t.Fatalf("FindStream: %v", err)
	}
	return st
}

func TestReceiverCursorIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	st := seedStream(t, s)

	if err := s.UpdateReceiverCursor(ctx, "rcv-01", st.ID, 1, 5); err != nil {
		t.Fatalf("UpdateReceiverCursor: %v", err)
	}
	// A lower ack for the same epoch is ignored.
	if err := s.UpdateReceiverCursor(ctx, "rcv-01", st.ID, 1, 2); err != nil {
		t.Fatalf("UpdateReceiverCursor lower: %v", err)
	}

	cursors, err := s.ReceiverCursors(ctx, "rcv-01")
	if err != nil {
		t.Fatalf("ReceiverCursors: %v", err)
	}
	if len(cursors) != 1 || cursors[0].LastSeq != 5 {
		t.Errorf("cursors = %+v, want last_seq 5", cursors)
	}

	// Any interleaving of acks may only move the cursor forward.
	for _, seq := range []uint64{3, 9, 1, 7, 9} {
		if err := s.UpdateReceiverCursor(ctx, "rcv-01", st.ID, 1, seq); err != nil {
			t.Fatalf("UpdateReceiverCursor(%d): %v", seq, err)
		}
	}
	cursors, err = s.ReceiverCursors(ctx, "rcv-01")
	if err != nil {
		t.Fatalf("ReceiverCursors: %v", err)
	}
	if cursors[0].LastSeq != 9 {
		t.Errorf("last_seq = %d, want 9", cursors[0].LastSeq)
	}
}

func TestReceiverCursorPerEpochRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	st := seedStream(t, s)

	if err := s.UpdateReceiverCursor(ctx, "rcv-01", st.ID, 1, 10); err != nil {
		t.Fatalf("UpdateReceiverCursor: %v", err)
	}
	if err := s.UpdateReceiverCursor(ctx, "rcv-01", st.ID, 2, 3); err != nil {
		t.Fatalf("UpdateReceiverCursor epoch 2: %v", err)
	}

	epoch, seq, err := s.LatestReceiverCursor(ctx, "rcv-01", st.ID)
	if err != nil {
		t.Fatalf("LatestReceiverCursor: %v", err)
	}
	if epoch != 2 || seq != 3 {
		t.Errorf("latest = (%d, %d), want (2, 3)", epoch, seq)
	}
}

func TestLatestReceiverCursorFresh(t *testing.T) {
	s := openTestStore(t)
	st := seedStream(t, s)

	epoch, seq, err := s.LatestReceiverCursor(context.Background(), "rcv-new", st.ID)
	if err != nil {
		t.Fatalf("LatestReceiverCursor: %v", err)
	}
	if epoch != 0 || seq != 0 {
		t.Errorf("fresh cursor = (%d, %d), want (0, 0)", epoch, seq)
	}
}

func TestBacklogAgainstSlowestReceiver(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	st := seedStream(t, s) // events (1,1) and (1,2)

	backlog, err := s.Backlog(ctx, st.ID)
	if err != nil {
		t.Fatalf("Backlog: %v", err)
	}
	if backlog != 0 {
		t.Errorf("backlog with no receivers = %d, want 0", backlog)
	}

	if err := s.UpdateReceiverCursor(ctx, "rcv-slow", st.ID, 1, 1); err != nil {
		t.Fatalf("UpdateReceiverCursor: %v", err)
	}
	if err := s.UpdateReceiverCursor(ctx, "rcv-fast", st.ID, 1, 2); err != nil {
		t.Fatalf("UpdateReceiverCursor: %v", err)
	}

	backlog, err = s.Backlog(ctx, st.ID)
	if err != nil {
		t.Fatalf("Backlog: %v", err)
	}
	if backlog != 1 {
		t.Errorf("backlog = %d, want 1 (slowest receiver at seq 1 of 2)", backlog)
	}
}

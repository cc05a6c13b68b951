package journal

import (
	"context"
	"path/filepath"
	"testing"
)

// Power-loss recovery: write 5 events, advance the ack cursor to 3, drop
// the process without a checkpoint, reopen. The cursor and the unacked
// tail must come back byte-identical.
func TestPowerLossRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.sqlite3")
	ctx := context.Background()

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.EnsureStreamState(ctx, "192.168.50.1", 1); err != nil {
		t.Fatalf("EnsureStreamState: %v", err)
	}

	lines := []string{"read-1", "read-2", "read-3", "read-4", "read-5"}
	for i, line := range lines {
		_, seq, err := j.NextSeq(ctx, "192.168.50.1")
		if err != nil {
			t.Fatalf("NextSeq: %v", err)
		}
		if seq != uint64(i+1) {
			t.Fatalf("seq = %d, want %d", seq, i+1)
		}
		if err := j.InsertEvent(ctx, Event{
			ReaderIP:    "192.168.50.1",
			StreamEpoch: 1,
			Seq:         seq,
			RawReadLine: line,
			ReadType:    "RAW",
		}); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}
	if err := j.UpdateAckCursor(ctx, "192.168.50.1", 1, 3); err != nil {
		t.Fatalf("UpdateAckCursor: %v", err)
	}

	// Abandon the handle without Close: the WAL is left unchecked-pointed,
	// exactly what a power cut leaves behind. synchronous=FULL guarantees
	// every committed write is already on disk. The handle is released only
	// after the test, once the reopened journal has been checked.
	t.Cleanup(func() { j.db.Close() })

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	epoch, seq, err := j2.AckCursor(ctx, "192.168.50.1")
	if err != nil {
		t.Fatalf("AckCursor: %v", err)
	}
	if epoch != 1 || seq != 3 {
		t.Errorf("ack cursor = (%d, %d), want (1, 3)", epoch, seq)
	}

	events, err := j2.UnackedEvents(ctx, "192.168.50.1", 1, 3, 0)
	if err != nil {
		t.Fatalf("UnackedEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("unacked = %d, want 2", len(events))
	}
	for i, want := range []struct {
		seq  uint64
		line string
	}{{4, "read-4"}, {5, "read-5"}} {
		if events[i].Seq != want.seq || events[i].RawReadLine != want.line {
			t.Errorf("event[%d] = (%d, %q), want (%d, %q)",
				i, events[i].Seq, events[i].RawReadLine, want.seq, want.line)
		}
	}
}

func TestCheckpointSucceeds(t *testing.T) {
	j := openTestJournal(t)
	mustInsert(t, j, "10.0.0.1", 1, 1, "line")
	if err := j.Checkpoint(context.Background()); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/graaaaa/timerelay/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "server.sqlite3"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func readEvent(epoch, seq uint64, line string) protocol.ReadEvent {
	return protocol.ReadEvent{
		ForwarderID:     "fwd-01",
		ReaderIP:        "192.168.50.1",
		StreamEpoch:     epoch,
		Seq:             seq,
		ReaderTimestamp: "2001-12-30T18:45:00.000",
		RawReadLine:     line,
		ReadType:        "RAW",
	}
}

func TestUpsertStreamMintsStableID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st1, err := s.UpsertStream(ctx, "fwd-01", "192.168.50.1")
	if err != nil {
		t.Fatalf("UpsertStream: %v", err)
	}
	if st1.ID == "" || st1.StreamEpoch != 1 {
		t.Errorf("stream = %+v", st1)
	}

	st2, err := s.UpsertStream(ctx, "fwd-01", "192.168.50.1")
	if err != nil {
		t.Fatalf("UpsertStream again: %v", err)
	}
	if st2.ID != st1.ID {
		t.Errorf("id changed: %s != %s", st2.ID, st1.ID)
	}

	other, err := s.UpsertStream(ctx, "fwd-01", "192.168.50.2")
	if err != nil {
		t.Fatalf("UpsertStream other: %v", err)
	}
	if other.ID == st1.ID {
		t.Error("distinct pairs must get distinct stream ids")
	}
}

func TestRenameStream(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.UpsertStream(ctx, "fwd-01", "192.168.50.1")
	if err != nil {
		t.Fatalf("UpsertStream: %v", err)
	}
	if err := s.RenameStream(ctx, st.ID, "Finish Line"); err != nil {
		t.Fatalf("RenameStream: %v", err)
	}
	got, err := s.GetStream(ctx, st.ID)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if got.DisplayAlias != "Finish Line" {
		t.Errorf("alias = %q", got.DisplayAlias)
	}

	if err := s.RenameStream(ctx, "no-such-stream", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestIngestBatchOutcomesAndAcks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	result, err := s.IngestBatch(ctx, []protocol.ReadEvent{
		readEvent(1, 1, "line-1"),
		readEvent(1, 2, "line-2"),
		readEvent(1, 3, "line-3"),
	})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	for i, ev := range result.Events {
		if ev.Outcome != OutcomeInserted {
			t.Errorf("event %d outcome = %s, want inserted", i, ev.Outcome)
		}
	}
	if len(result.Acks) != 1 {
		t.Fatalf("acks = %+v, want one entry", result.Acks)
	}
	ack := result.Acks[0]
	if ack.StreamEpoch != 1 || ack.LastSeq != 3 {
		t.Errorf("ack = %+v, want epoch 1 last_seq 3", ack)
	}
}

// Retransmit metrics: seq 1,2,3 then retransmit 1 once and 2 twice yields
// raw=6, dedup=3, retransmit=3.
func TestRetransmitMetrics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.IngestBatch(ctx, []protocol.ReadEvent{
		readEvent(1, 1, "line-1"),
		readEvent(1, 2, "line-2"),
		readEvent(1, 3, "line-3"),
	}); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if _, err := s.IngestBatch(ctx, []protocol.ReadEvent{
		readEvent(1, 1, "line-1"),
		readEvent(1, 2, "line-2"),
	}); err != nil {
		t.Fatalf("retransmit batch: %v", err)
	}
	if _, err := s.IngestBatch(ctx, []protocol.ReadEvent{
		readEvent(1, 2, "line-2"),
	}); err != nil {
		t.Fatalf("retransmit batch: %v", err)
	}

	st, err := s.FindStream(ctx, "fwd-01", "192.168.50.1")
	if err != nil {
		t.Fatalf("FindStream: %v", err)
	}
	m, err := s.StreamMetrics(ctx, st.ID)
	if err != nil {
		t.Fatalf("StreamMetrics: %v", err)
	}
	if m.RawCount != 6 || m.DedupCount != 3 || m.RetransmitCount != 3 {
		t.Errorf("metrics = %+v, want raw=6 dedup=3 retransmit=3", m)
	}
	if m.RawCount != m.DedupCount+m.RetransmitCount {
		t.Error("invariant raw == dedup + retransmit violated")
	}
}

func TestIntegrityConflictLeavesRowAndMetrics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.IngestBatch(ctx, []protocol.ReadEvent{readEvent(1, 1, "original")}); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	result, err := s.IngestBatch(ctx, []protocol.ReadEvent{readEvent(1, 1, "tampered")})
	if err != nil {
		t.Fatalf("IngestBatch conflict: %v", err)
	}
	if result.Events[0].Outcome != OutcomeIntegrityConflict {
		t.Errorf("outcome = %s, want integrity_conflict", result.Events[0].Outcome)
	}
	if len(result.Acks) != 0 {
		t.Errorf("acks = %+v, want none for a pure-conflict batch", result.Acks)
	}

	st, err := s.FindStream(ctx, "fwd-01", "192.168.50.1")
	if err != nil {
		t.Fatalf("FindStream: %v", err)
	}
	events, err := s.ExportEvents(ctx, st.ID)
	if err != nil {
		t.Fatalf("ExportEvents: %v", err)
	}
	if len(events) != 1 || events[0].RawReadLine != "original" {
		t.Errorf("stored row changed: %+v", events)
	}
	m, err := s.StreamMetrics(ctx, st.ID)
	if err != nil {
		t.Fatalf("StreamMetrics: %v", err)
	}
	if m.RawCount != 1 || m.DedupCount != 1 || m.RetransmitCount != 0 {
		t.Errorf("metrics moved on conflict: %+v", m)
	}
}

// Epoch advance is lazy: it happens when ingest observes a higher-epoch
// event, and old-epoch rows stay exportable.
func TestEpochAdvanceOnObservedEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.IngestBatch(ctx, []protocol.ReadEvent{
		readEvent(1, 1, "e1-s1"),
		readEvent(1, 2, "e1-s2"),
		readEvent(1, 3, "e1-s3"),
	}); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	if _, err := s.IngestBatch(ctx, []protocol.ReadEvent{readEvent(2, 1, "e2-s1")}); err != nil {
		t.Fatalf("IngestBatch epoch 2: %v", err)
	}

	st, err := s.FindStream(ctx, "fwd-01", "192.168.50.1")
	if err != nil {
		t.Fatalf("FindStream: %v", err)
	}
	if st.StreamEpoch != 2 {
		t.Errorf("stream epoch = %d, want 2", st.StreamEpoch)
	}

	events, err := s.ExportEvents(ctx, st.ID)
	if err != nil {
		t.Fatalf("ExportEvents: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("events = %d, want all 4 across epochs", len(events))
	}
	// (epoch, seq) order: all epoch-1 rows then the epoch-2 row.
	if events[3].StreamEpoch != 2 || events[3].Seq != 1 {
		t.Errorf("last event = (%d, %d), want (2, 1)", events[3].StreamEpoch, events[3].Seq)
	}
}

func TestEventsAfterCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.IngestBatch(ctx, []protocol.ReadEvent{
		readEvent(1, 1, "a"), readEvent(1, 2, "b"), readEvent(1, 3, "c"),
	}); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	st, err := s.FindStream(ctx, "fwd-01", "192.168.50.1")
	if err != nil {
		t.Fatalf("FindStream: %v", err)
	}

	events, err := s.EventsAfter(ctx, st.ID, 1, 1, 0)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 2 || events[1].Seq != 3 {
		t.Errorf("events = %+v, want seqs 2 and 3", events)
	}

	// Empty cursor means replay from seq 1.
	all, err := s.EventsAfter(ctx, st.ID, 0, 0, 0)
	if err != nil {
		t.Fatalf("EventsAfter fresh: %v", err)
	}
	if len(all) != 3 || all[0].Seq != 1 {
		t.Errorf("fresh replay = %+v", all)
	}
}

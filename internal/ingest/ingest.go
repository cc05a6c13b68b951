// Package ingest is the server's event ingest engine: it persists
// forwarder batches idempotently, computes the resulting acks, and wakes
// the fan-out dispatcher.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/graaaaa/timerelay/internal/dispatch"
	"github.com/graaaaa/timerelay/internal/protocol"
	"github.com/graaaaa/timerelay/internal/store"
)

// Engine ties the store's batch upsert to ack emission and fan-out.
type Engine struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Engine. dispatcher may be nil (no fan-out, used in tests).
func New(st *store.Store, dispatcher *dispatch.Dispatcher, opts ...Option) *Engine {
	e := &Engine{store: st, dispatcher: dispatcher, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleBatch persists one forwarder batch all-or-nothing and returns the
// ack to emit plus an optional per-event error frame.
//
// Integrity conflicts do not fail the batch: the stored rows win, every
// successfully persisted event is acked, and one INTEGRITY_CONFLICT frame
// names the first conflicting identity.
func (e *Engine) HandleBatch(ctx context.Context, sessionID string, batch *protocol.ForwarderEventBatch) (*protocol.ForwarderAck, *protocol.ErrorMessage, error) {
	result, err := e.store.IngestBatch(ctx, batch.Events)
	if err != nil {
		return nil, nil, fmt.Errorf("ingest batch %s: %w", batch.BatchID, err)
	}

	var conflict *protocol.ErrorMessage
	var touched []string
	seen := make(map[string]struct{})
	for _, ev := range result.Events {
		switch ev.Outcome {
		case store.OutcomeIntegrityConflict:
			e.logger.Error("integrity conflict, stored row wins",
				"stream_id", ev.Stream.ID,
				"stream_epoch", ev.Event.StreamEpoch,
				"seq", ev.Event.Seq,
				"batch_id", batch.BatchID)
			if conflict == nil {
				conflict = protocol.NewError(protocol.CodeIntegrityConflict,
					fmt.Sprintf("event (%s, %d, %d) differs from the stored row",
						ev.Stream.ID, ev.Event.StreamEpoch, ev.Event.Seq))
			}
		case store.OutcomeInserted:
			if _, ok := seen[ev.Stream.ID]; !ok {
				seen[ev.Stream.ID] = struct{}{}
				touched = append(touched, ev.Stream.ID)
			}
		}
	}

	if e.dispatcher != nil && len(touched) > 0 {
		e.dispatcher.NotifyCommit(touched)
	}

	if len(result.Acks) == 0 {
		return nil, conflict, nil
	}
	return &protocol.ForwarderAck{SessionID: sessionID, Entries: result.Acks}, conflict, nil
}

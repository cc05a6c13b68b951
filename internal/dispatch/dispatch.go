// Package dispatch fans ingested events out to receiver sessions.
//
// Each receiver session gets one feeder goroutine driven by a per-stream
// delivery cursor. Backfill after hello-resume and live delivery are the
// same loop: the feeder reads everything past its cursor from the store,
// pushes it through the session's bounded outbound queue, and then waits
// for a commit notification. A slow receiver therefore throttles only its
// own feeder, never unrelated sessions.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/graaaaa/timerelay/internal/protocol"
	"github.com/graaaaa/timerelay/internal/store"
)

const defaultBatchMax = 50

// EventSource is the slice of the store the dispatcher reads.
type EventSource interface {
	EventsAfter(ctx context.Context, streamID string, fromEpoch, fromSeq uint64, limit int) ([]store.StoredEvent, error)
}

// SendFunc pushes one batch into a session's outbound queue. It blocks
// while the queue is full and returns an error once the session is dead.
type SendFunc func(batch *protocol.ReceiverEventBatch) error

// streamSel is one subscribed stream with its delivery cursor.
type streamSel struct {
	ref   protocol.StreamRef
	epoch uint64
	seq   uint64
}

// Subscriber is one attached receiver session.
type Subscriber struct {
	sessionID  string
	receiverID string
	send       SendFunc

	mu        sync.Mutex
	selection map[string]*streamSel // by stream id

	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Dispatcher routes committed events to matching receiver sessions.
type Dispatcher struct {
	source   EventSource
	logger   *slog.Logger
	batchMax int

	mu   sync.Mutex
	subs map[string]*Subscriber // by session id
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithBatchMax caps events per delivered batch.
func WithBatchMax(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchMax = n
		}
	}
}

// New creates a Dispatcher reading from source.
func New(source EventSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source:   source,
		logger:   slog.Default(),
		batchMax: defaultBatchMax,
		subs:     make(map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Attach registers a receiver session and starts its feeder. The session
// starts with an empty selection; streams and their starting cursors are
// added afterwards with AddStream.
func (d *Dispatcher) Attach(ctx context.Context, sessionID, receiverID string, send SendFunc) *Subscriber {
	feedCtx, cancel := context.WithCancel(ctx)
	sub := &Subscriber{
		sessionID:  sessionID,
		receiverID: receiverID,
		send:       send,
		selection:  make(map[string]*streamSel),
		notify:     make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	d.mu.Lock()
	d.subs[sessionID] = sub
	d.mu.Unlock()

	go d.feed(feedCtx, sub)
	return sub
}

// Detach stops and removes a session's feeder. Safe to call twice.
func (d *Dispatcher) Detach(sessionID string) {
	d.mu.Lock()
	sub, ok := d.subs[sessionID]
	if ok {
		delete(d.subs, sessionID)
	}
	d.mu.Unlock()
	if ok {
		sub.cancel()
		<-sub.done
	}
}

// AddStream subscribes sub to a stream starting after (epoch, seq).
// Adding an already-subscribed stream keeps the existing cursor.
func (d *Dispatcher) AddStream(sub *Subscriber, streamID string, ref protocol.StreamRef, epoch, seq uint64) {
	sub.mu.Lock()
	if _, exists := sub.selection[streamID]; !exists {
		sub.selection[streamID] = &streamSel{ref: ref, epoch: epoch, seq: seq}
	}
	sub.mu.Unlock()
	sub.wake()
}

// NotifyCommit wakes the feeders of every session subscribed to one of the
// affected streams. Called after the ingest transaction commits.
func (d *Dispatcher) NotifyCommit(streamIDs []string) {
	d.mu.Lock()
	subs := make([]*Subscriber, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		matched := false
		for _, id := range streamIDs {
			if _, ok := sub.selection[id]; ok {
				matched = true
				break
			}
		}
		sub.mu.Unlock()
		if matched {
			sub.wake()
		}
	}
}

// SessionCount reports the number of attached sessions (for status).
func (d *Dispatcher) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (sub *Subscriber) wake() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// feed is the per-session delivery loop.
func (d *Dispatcher) feed(ctx context.Context, sub *Subscriber) {
	defer close(sub.done)

	for {
		delivered, err := d.drainOnce(ctx, sub)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("receiver feed stopped",
					"session_id", sub.sessionID, "receiver_id", sub.receiverID, "error", err)
			}
			return
		}
		if delivered {
			continue
		}
		select {
		case <-sub.notify:
		case <-ctx.Done():
			return
		}
	}
}

// drainOnce pushes at most one batch per subscribed stream. Returns true
// when anything was delivered, so the caller loops before sleeping. A
// stream with nothing past the cursor is simply skipped; the next commit
// notification triggers a fresh query, so no flag can go stale between
// the query and the wait.
func (d *Dispatcher) drainOnce(ctx context.Context, sub *Subscriber) (bool, error) {
	sub.mu.Lock()
	pending := make([]string, 0, len(sub.selection))
	for id := range sub.selection {
		pending = append(pending, id)
	}
	sub.mu.Unlock()

	delivered := false
	for _, streamID := range pending {
		sub.mu.Lock()
		sel := sub.selection[streamID]
		fromEpoch, fromSeq := sel.epoch, sel.seq
		ref := sel.ref
		sub.mu.Unlock()

		events, err := d.source.EventsAfter(ctx, streamID, fromEpoch, fromSeq, d.batchMax)
		if err != nil {
			return delivered, err
		}
		if len(events) == 0 {
			continue
		}

		batch := &protocol.ReceiverEventBatch{
			SessionID: sub.sessionID,
			Events:    make([]protocol.ReadEvent, 0, len(events)),
		}
		for _, e := range events {
			batch.Events = append(batch.Events, protocol.ReadEvent{
				ForwarderID:     ref.ForwarderID,
				ReaderIP:        ref.ReaderIP,
				StreamEpoch:     e.StreamEpoch,
				Seq:             e.Seq,
				ReaderTimestamp: e.ReaderTimestamp,
				RawReadLine:     e.RawReadLine,
				ReadType:        e.ReadType,
			})
		}

		if err := sub.send(batch); err != nil {
			return delivered, err
		}
		delivered = true

		last := events[len(events)-1]
		sub.mu.Lock()
		sub.selection[streamID].epoch = last.StreamEpoch
		sub.selection[streamID].seq = last.Seq
		sub.mu.Unlock()
	}
	return delivered, nil
}

package uplink

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/graaaaa/timerelay/internal/protocol"
)

// cursor is an in-memory (epoch, seq) position.
type cursor struct {
	epoch uint64
	seq   uint64
}

func (c cursor) less(epoch, seq uint64) bool {
	return protocol.CursorLess(c.epoch, c.seq, epoch, seq)
}

// steadyState concurrently drains the journal and handles inbound frames.
//
// The drain is strictly cursor-driven: each stream has an in-session sent
// cursor seeded from the durable acked cursor, so a reconnect resends
// exactly what the server has not acknowledged. The main loop is the
// socket's only writer.
func (u *Uplink) steadyState(ctx context.Context, conn *websocket.Conn, sessionID, deviceID string) error {
	inbound := make(chan protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
			m, err := readFrame(conn)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Seed sent cursors from the durable acked cursors.
	sent := make(map[string]cursor)
	states, err := u.journal.StreamStates(ctx)
	if err != nil {
		return fmt.Errorf("seed sent cursors: %w", err)
	}
	for _, st := range states {
		sent[st.ReaderIP] = cursor{epoch: st.AckedEpoch, seq: st.AckedSeq}
	}

	heartbeatTicker := time.NewTicker(heartbeatPeriod)
	defer heartbeatTicker.Stop()

	var flushTicker *time.Ticker
	var flushC <-chan time.Time
	if u.cfg.BatchMode == ModeBatched {
		flushTicker = time.NewTicker(u.cfg.BatchFlush)
		flushC = flushTicker.C
		defer flushTicker.Stop()
	}

	// Initial drain pushes everything unacked from previous runs.
	if u.cfg.BatchMode == ModeImmediate {
		if err := u.drain(ctx, conn, sessionID, sent); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Shutdown drain: flush what is journaled, then close cleanly.
			drainCtx, cancel := context.WithTimeout(context.Background(), writeWait)
			_ = u.drain(drainCtx, conn, sessionID, sent)
			cancel()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case err := <-readErr:
			return fmt.Errorf("uplink read: %w", err)

		case <-u.notify:
			if u.cfg.BatchMode == ModeImmediate {
				if err := u.drain(ctx, conn, sessionID, sent); err != nil {
					return err
				}
			}

		case <-flushC:
			if err := u.drain(ctx, conn, sessionID, sent); err != nil {
				return err
			}

		case <-heartbeatTicker.C:
			hb := &protocol.Heartbeat{SessionID: sessionID, DeviceID: deviceID}
			if err := writeFrame(conn, hb); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}

		case m := <-inbound:
			if err := u.handleInbound(ctx, m, sent); err != nil {
				return err
			}
		}
	}
}

func (u *Uplink) handleInbound(ctx context.Context, m protocol.Message, sent map[string]cursor) error {
	switch msg := m.(type) {
	case *protocol.Heartbeat:
		// Read deadline already refreshed by the reader goroutine.
		return nil

	case *protocol.ForwarderAck:
		for _, e := range msg.Entries {
			if err := u.journal.UpdateAckCursor(ctx, e.ReaderIP, e.StreamEpoch, e.LastSeq); err != nil {
				return fmt.Errorf("apply ack (%s, %d, %d): %w", e.ReaderIP, e.StreamEpoch, e.LastSeq, err)
			}
			if cur, ok := sent[e.ReaderIP]; !ok || cur.less(e.StreamEpoch, e.LastSeq) {
				sent[e.ReaderIP] = cursor{epoch: e.StreamEpoch, seq: e.LastSeq}
			}
		}
		return nil

	case *protocol.EpochResetCommand:
		u.logger.Info("epoch reset command received",
			"reader_ip", msg.ReaderIP, "new_stream_epoch", msg.NewStreamEpoch)
		if err := u.journal.BumpEpoch(ctx, msg.ReaderIP, msg.NewStreamEpoch); err != nil {
			return fmt.Errorf("bump epoch %s -> %d: %w", msg.ReaderIP, msg.NewStreamEpoch, err)
		}
		// Reconnect so the fresh hello advertises the new epoch.
		return errEpochReset

	case *protocol.ErrorMessage:
		if msg.Code.Retryable() {
			return fmt.Errorf("server error %s: %s", msg.Code, msg.Message)
		}
		return &FatalError{Code: msg.Code, Message: msg.Message}

	default:
		return fmt.Errorf("unexpected %s from server", m.Kind())
	}
}

// drain sends unacked events for every stream, one batch per stream per
// pass, looping until the journal has nothing new past the sent cursors.
func (u *Uplink) drain(ctx context.Context, conn *websocket.Conn, sessionID string, sent map[string]cursor) error {
	for {
		any := false
		for _, readerIP := range u.cfg.ReaderIPs {
			cur := sent[readerIP]
			events, err := u.journal.UnackedEvents(ctx, readerIP, cur.epoch, cur.seq, u.cfg.BatchMaxEvents)
			if err != nil {
				return fmt.Errorf("drain %s: %w", readerIP, err)
			}
			if len(events) == 0 {
				continue
			}
			any = true

			batch := &protocol.ForwarderEventBatch{
				SessionID: sessionID,
				BatchID:   batchID(),
				Events:    make([]protocol.ReadEvent, 0, len(events)),
			}
			for _, e := range events {
				batch.Events = append(batch.Events, protocol.ReadEvent{
					ForwarderID:     u.cfg.ForwarderID,
					ReaderIP:        e.ReaderIP,
					StreamEpoch:     e.StreamEpoch,
					Seq:             e.Seq,
					ReaderTimestamp: e.ReaderTimestamp,
					RawReadLine:     e.RawReadLine,
					ReadType:        e.ReadType,
				})
			}
			if err := writeFrame(conn, batch); err != nil {
				return fmt.Errorf("send batch: %w", err)
			}
			u.logger.Debug("batch sent", "batch_id", batch.BatchID,
				"reader_ip", readerIP, "events", len(events))

			last := events[len(events)-1]
			sent[readerIP] = cursor{epoch: last.StreamEpoch, seq: last.Seq}
		}
		if !any {
			return nil
		}
	}
}

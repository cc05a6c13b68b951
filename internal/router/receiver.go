package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/graaaaa/timerelay/internal/dispatch"
	"github.com/graaaaa/timerelay/internal/protocol"
	"github.com/graaaaa/timerelay/internal/store"
)

func (rt *Router) handleReceiver(w http.ResponseWriter, r *http.Request) {
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.logger.Warn("receiver upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	device, ok := rt.authenticate(conn, r, store.DeviceReceiver)
	if !ok {
		return
	}

	hello, ok := rt.awaitReceiverHello(conn, device)
	if !ok {
		return
	}

	sess := newSession(device, conn)
	rt.registry.add(sess)
	defer rt.registry.remove(sess)
	defer sess.teardown()

	rt.logger.Info("receiver session established",
		"session_id", sess.id, "receiver_id", device.ID, "resume", len(hello.Resume))

	go rt.writeLoop(sess)

	feedCtx, cancelFeed := context.WithCancel(context.Background())
	defer cancelFeed()
	sub := rt.dispatcher.Attach(feedCtx, sess.id, device.ID, func(batch *protocol.ReceiverEventBatch) error {
		return sess.enqueueCtx(feedCtx, batch)
	})
	defer rt.dispatcher.Detach(sess.id)

	// Hello resume entries are implicit subscriptions with explicit
	// starting points.
	for _, cur := range hello.Resume {
		rt.subscribeStream(r.Context(), sess, sub,
			protocol.StreamRef{ForwarderID: cur.ForwarderID, ReaderIP: cur.ReaderIP},
			cur.StreamEpoch, cur.LastSeq, true)
	}

	rt.receiverReadLoop(r, sess, sub)
}

func (rt *Router) awaitReceiverHello(conn wsConn, device store.Device) (*protocol.ReceiverHello, bool) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	m, err := readFrame(conn)
	if err != nil {
		if isDecodeError(err) {
			writeError(conn, protocol.CodeProtocolError, "invalid frame")
		}
		return nil, false
	}
	hello, ok := m.(*protocol.ReceiverHello)
	if !ok {
		writeError(conn, protocol.CodeProtocolError,
			fmt.Sprintf("expected receiver_hello, got %s", m.Kind()))
		return nil, false
	}
	if hello.ReceiverID != device.ID {
		writeError(conn, protocol.CodeIdentityMismatch,
			fmt.Sprintf("token is for %s, hello claims %s", device.ID, hello.ReceiverID))
		return nil, false
	}
	return hello, true
}

func (rt *Router) receiverReadLoop(r *http.Request, sess *session, sub *dispatch.Subscriber) {
	for {
		sess.conn.SetReadDeadline(time.Now().Add(rt.readDeadline()))
		m, err := readFrame(sess.conn)
		if err != nil {
			if isDecodeError(err) {
				sess.enqueue(protocol.NewError(protocol.CodeProtocolError, "invalid frame"))
			}
			return
		}

		switch msg := m.(type) {
		case *protocol.ReceiverAck:
			if msg.SessionID != sess.id {
				sess.enqueue(protocol.NewError(protocol.CodeSessionExpired,
					"unknown session id, reconnect and hello again"))
				return
			}
			rt.applyReceiverAcks(r.Context(), sess.device.ID, msg.Entries)

		case *protocol.ReceiverSubscribe:
			if msg.SessionID != sess.id {
				sess.enqueue(protocol.NewError(protocol.CodeSessionExpired,
					"unknown session id, reconnect and hello again"))
				return
			}
			for _, ref := range msg.Streams {
				rt.subscribeStream(r.Context(), sess, sub, ref, 0, 0, false)
			}

		case *protocol.Heartbeat:
			// Liveness only.

		default:
			sess.enqueue(protocol.NewError(protocol.CodeProtocolError,
				fmt.Sprintf("unexpected %s from receiver", m.Kind())))
			return
		}
	}
}

// subscribeStream resolves a stream and attaches it to the session's
// feeder. With an explicit cursor the delivery starts right after it; a
// fresh subscription (no cursor anywhere) replays from seq 1 of the
// stream's current epoch.
func (rt *Router) subscribeStream(ctx context.Context, sess *session, sub *dispatch.Subscriber, ref protocol.StreamRef, epoch, seq uint64, explicit bool) {
	st, err := rt.store.FindStream(ctx, ref.ForwarderID, ref.ReaderIP)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rt.logger.Warn("subscription to unknown stream ignored",
				"receiver_id", sess.device.ID,
				"forwarder_id", ref.ForwarderID, "reader_ip", ref.ReaderIP)
			return
		}
		rt.logger.Error("stream lookup failed", "error", err)
		return
	}

	if !explicit {
		// Prefer the receiver's persisted cursor; otherwise start at the
		// head of history for the current epoch.
		pe, ps, err := rt.store.LatestReceiverCursor(ctx, sess.device.ID, st.ID)
		if err != nil {
			rt.logger.Error("receiver cursor lookup failed", "error", err)
			return
		}
		if pe == 0 && ps == 0 {
			epoch, seq = st.StreamEpoch, 0
		} else {
			epoch, seq = pe, ps
		}
	}

	rt.dispatcher.AddStream(sub, st.ID, ref, epoch, seq)
}

func (rt *Router) applyReceiverAcks(ctx context.Context, receiverID string, entries []protocol.AckEntry) {
	for _, e := range entries {
		st, err := rt.store.FindStream(ctx, e.ForwarderID, e.ReaderIP)
		if err != nil {
			rt.logger.Warn("ack for unknown stream ignored",
				"receiver_id", receiverID, "forwarder_id", e.ForwarderID, "reader_ip", e.ReaderIP)
			continue
		}
		if err := rt.store.UpdateReceiverCursor(ctx, receiverID, st.ID, e.StreamEpoch, e.LastSeq); err != nil {
			rt.logger.Error("receiver cursor update failed",
				"receiver_id", receiverID, "stream_id", st.ID, "error", err)
		}
	}
}

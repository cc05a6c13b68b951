package router

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/graaaaa/timerelay/internal/protocol"
	"github.com/graaaaa/timerelay/internal/store"
)

func (rt *Router) handleForwarder(w http.ResponseWriter, r *http.Request) {
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.logger.Warn("forwarder upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	device, ok := rt.authenticate(conn, r, store.DeviceForwarder)
	if !ok {
		return
	}

	hello, ok := rt.awaitForwarderHello(conn, device)
	if !ok {
		return
	}

	// The hello's reader list establishes the streams. Resume cursors tell
	// us where the forwarder's own ack watermark stands; the journal on
	// the other side drives retransmits, so this is informational.
	for _, readerIP := range hello.ReaderIPs {
		if _, err := rt.store.UpsertStream(r.Context(), device.ID, readerIP); err != nil {
			rt.logger.Error("upsert stream on hello", "forwarder_id", device.ID,
				"reader_ip", readerIP, "error", err)
			writeError(conn, protocol.CodeInternalError, "stream registration failed")
			return
		}
	}
	for _, cur := range hello.Resume {
		rt.logger.Info("forwarder resume cursor",
			"forwarder_id", cur.ForwarderID, "reader_ip", cur.ReaderIP,
			"stream_epoch", cur.StreamEpoch, "last_seq", cur.LastSeq)
	}

	sess := newSession(device, conn)
	rt.registry.add(sess)
	defer rt.registry.remove(sess)
	defer sess.teardown()

	rt.logger.Info("forwarder session established",
		"session_id", sess.id, "forwarder_id", device.ID,
		"display_name", hello.DisplayName, "readers", len(hello.ReaderIPs))

	go rt.writeLoop(sess)
	rt.forwarderReadLoop(r, sess)
}

// awaitForwarderHello enforces hello-first: any other first frame yields
// PROTOCOL_ERROR and the socket stays open only long enough to deliver it.
func (rt *Router) awaitForwarderHello(conn wsConn, device store.Device) (*protocol.ForwarderHello, bool) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	m, err := readFrame(conn)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrMissingKind) ||
			errors.Is(err, protocol.ErrUnknownKind) {
			writeError(conn, protocol.CodeProtocolError, "invalid frame")
		}
		return nil, false
	}
	hello, ok := m.(*protocol.ForwarderHello)
	if !ok {
		writeError(conn, protocol.CodeProtocolError,
			fmt.Sprintf("expected forwarder_hello, got %s", m.Kind()))
		return nil, false
	}
	if hello.ForwarderID != device.ID {
		writeError(conn, protocol.CodeIdentityMismatch,
			fmt.Sprintf("token is for %s, hello claims %s", device.ID, hello.ForwarderID))
		return nil, false
	}
	return hello, true
}

func (rt *Router) forwarderReadLoop(r *http.Request, sess *session) {
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
		case *protocol.ForwarderEventBatch:
			if msg.SessionID != sess.id {
				sess.enqueue(protocol.NewError(protocol.CodeSessionExpired,
					"unknown session id, reconnect and hello again"))
				return
			}
			ack, conflict, err := rt.engine.HandleBatch(r.Context(), sess.id, msg)
			if err != nil {
				rt.logger.Error("ingest failed", "session_id", sess.id,
					"batch_id", msg.BatchID, "error", err)
				sess.enqueue(protocol.NewError(protocol.CodeInternalError, "ingest failed"))
				return
			}
			if ack != nil {
				if !sess.enqueue(ack) {
					return
				}
			}
			if conflict != nil {
				if !sess.enqueue(conflict) {
					return
				}
			}

		case *protocol.Heartbeat:
			// Liveness only; the read deadline above was already refreshed.

		default:
			sess.enqueue(protocol.NewError(protocol.CodeProtocolError,
				fmt.Sprintf("unexpected %s from forwarder", m.Kind())))
			return
		}
	}
}

// authenticate resolves the bearer token and checks the device class.
// On failure the error frame is delivered and the caller closes the socket.
func (rt *Router) authenticate(conn wsConn, r *http.Request, wantType string) (store.Device, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(conn, protocol.CodeInvalidToken, "missing bearer token")
		return store.Device{}, false
	}
	device, err := rt.store.LookupToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrRevoked) {
			writeError(conn, protocol.CodeInvalidToken, "unknown or revoked token")
		} else {
			rt.logger.Error("token lookup failed", "error", err)
			writeError(conn, protocol.CodeInternalError, "authentication unavailable")
		}
		return store.Device{}, false
	}
	if device.Type != wantType {
		writeError(conn, protocol.CodeIdentityMismatch,
			fmt.Sprintf("token is for a %s, endpoint requires a %s", device.Type, wantType))
		return store.Device{}, false
	}
	return device, true
}

func isDecodeError(err error) bool {
	return errors.Is(err, protocol.ErrMalformed) ||
		errors.Is(err, protocol.ErrMissingKind) ||
		errors.Is(err, protocol.ErrUnknownKind)
}

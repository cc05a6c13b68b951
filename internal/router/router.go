// Package router accepts WebSocket sessions from forwarders and receivers,
// authenticates them, and routes frames between the wire and the server's
// ingest and fan-out engines.
package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/graaaaa/timerelay/internal/dispatch"
	"github.com/graaaaa/timerelay/internal/ingest"
	"github.com/graaaaa/timerelay/internal/protocol"
	"github.com/graaaaa/timerelay/internal/store"
)

// WS endpoint paths.
const (
	ForwardersPath = "/ws/v1/forwarders"
	ReceiversPath  = "/ws/v1/receivers"
)

const (
	// DefaultHeartbeatInterval is the server heartbeat cadence.
	DefaultHeartbeatInterval = 30 * time.Second
	// heartbeatMisses is how many missed intervals close the socket.
	heartbeatMisses = 3

	helloTimeout  = 30 * time.Second
	writeWait     = 10 * time.Second
	maxFrameBytes = 1 << 20
	outQueueSize  = 16
	commandWait   = 5 * time.Second
)

// wsConn is the socket type shared by the handshake helpers.
type wsConn = *websocket.Conn

var (
	// ErrForwarderOffline: the stream's forwarder has no live session.
	ErrForwarderOffline = errors.New("router: forwarder offline")
	// ErrQueueFull: the session's outbound queue did not drain in time.
	ErrQueueFull = errors.New("router: outbound queue full")
)

// Router owns the two WS endpoints and the live session registry.
type Router struct {
	store      *store.Store
	engine     *ingest.Engine
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	interval   time.Duration

	upgrader websocket.Upgrader
	registry *registry
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Router) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithHeartbeatInterval overrides the heartbeat cadence (tests).
func WithHeartbeatInterval(d time.Duration) Option {
	return func(rt *Router) {
		if d > 0 {
			rt.interval = d
		}
	}
}

// New creates a Router.
func New(st *store.Store, engine *ingest.Engine, dispatcher *dispatch.Dispatcher, opts ...Option) *Router {
	rt := &Router{
		store:      st,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		interval:   DefaultHeartbeatInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		registry: newRegistry(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Register mounts both WS endpoints on mux.
func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc(ForwardersPath, rt.handleForwarder)
	mux.HandleFunc(ReceiversPath, rt.handleReceiver)
}

// ForwarderOnline reports whether forwarderID has a live session. Backs the
// stream listing's online flag.
func (rt *Router) ForwarderOnline(forwarderID string) bool {
	return rt.registry.forwarder(forwarderID) != nil
}

// ResetEpoch enqueues an epoch_reset_command for the stream's owning
// forwarder with new_stream_epoch = current + 1. ErrForwarderOffline when
// no session is live; ErrQueueFull when the outbound queue stays saturated.
func (rt *Router) ResetEpoch(ctx context.Context, streamID string) error {
	st, err := rt.store.GetStream(ctx, streamID)
	if err != nil {
		return err
	}
	sess := rt.registry.forwarder(st.ForwarderID)
	if sess == nil {
		return ErrForwarderOffline
	}

	cmd := &protocol.EpochResetCommand{
		SessionID:      sess.id,
		ForwarderID:    st.ForwarderID,
		ReaderIP:       st.ReaderIP,
		NewStreamEpoch: st.StreamEpoch + 1,
	}
	if err := sess.enqueueWait(cmd, commandWait); err != nil {
		return err
	}
	rt.logger.Info("epoch reset command enqueued",
		"stream_id", streamID, "forwarder_id", st.ForwarderID,
		"new_stream_epoch", cmd.NewStreamEpoch)
	return nil
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// readDeadline is how long a client may stay silent before the socket is
// closed (three missed heartbeat intervals).
func (rt *Router) readDeadline() time.Duration {
	return rt.interval * heartbeatMisses
}

// writeError delivers one error frame directly on the socket. Used before
// a session (and its write loop) exists; the socket is closed by the
// caller right after.
func writeError(conn *websocket.Conn, code protocol.ErrorCode, msg string) {
	data, err := protocol.Encode(protocol.NewError(code, msg))
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// readFrame reads and decodes one text frame.
func readFrame(conn *websocket.Conn) (protocol.Message, error) {
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, protocol.ErrMalformed
	}
	return protocol.Decode(data)
}

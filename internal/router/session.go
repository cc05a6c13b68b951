package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/graaaaa/timerelay/internal/protocol"
	"github.com/graaaaa/timerelay/internal/store"
)

// session is one live WS connection after a successful hello.
type session struct {
	id     string
	device store.Device
	conn   *websocket.Conn

	out        chan protocol.Message
	closed     chan struct{}
	writerDone chan struct{}
	once       sync.Once
}

func newSession(device store.Device, conn *websocket.Conn) *session {
	return &session{
		id:         uuid.NewString(),
		device:     device,
		conn:       conn,
		out:        make(chan protocol.Message, outQueueSize),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// close signals the write loop to flush and tear the socket down.
// Idempotent.
func (s *session) close() {
	s.once.Do(func() { close(s.closed) })
}

// teardown closes the session and waits for the writer to flush queued
// frames (bounded), so a final error frame reaches the peer before the
// socket dies.
func (s *session) teardown() {
	s.close()
	select {
	case <-s.writerDone:
	case <-time.After(writeWait):
	}
}

// enqueue pushes a message into the outbound queue, blocking while it is
// full. Returns false once the session is dead.
func (s *session) enqueue(m protocol.Message) bool {
	select {
	case s.out <- m:
		return true
	case <-s.closed:
		return false
	}
}

// enqueueCtx is enqueue bounded by a context (dispatcher feeders).
func (s *session) enqueueCtx(ctx context.Context, m protocol.Message) error {
	select {
	case s.out <- m:
		return nil
	case <-s.closed:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueWait is enqueue bounded by a timeout. ErrQueueFull on expiry, so
// HTTP command injection can surface a gateway-timeout-style error.
func (s *session) enqueueWait(m protocol.Message, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.out <- m:
		return nil
	case <-s.closed:
		return ErrQueueFull
	case <-timer.C:
		return ErrQueueFull
	}
}

// writeLoop is the session's single socket writer: it drains the outbound
// queue and emits heartbeats on the configured interval. The first
// heartbeat (carrying the minted session id and resolved device id) is
// sent before anything else. On close it flushes whatever is queued and
// sends a normal-closure frame.
func (rt *Router) writeLoop(s *session) {
	defer close(s.writerDone)
	defer s.conn.Close()

	ticker := time.NewTicker(rt.interval)
	defer ticker.Stop()

	heartbeat := &protocol.Heartbeat{SessionID: s.id, DeviceID: s.device.ID}
	if !rt.writeFrame(s, heartbeat) {
		return
	}

	for {
		select {
		case m := <-s.out:
			if !rt.writeFrame(s, m) {
				return
			}
		case <-ticker.C:
			if !rt.writeFrame(s, heartbeat) {
				return
			}
		case <-s.closed:
			for {
				select {
				case m := <-s.out:
					if !rt.writeFrame(s, m) {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (rt *Router) writeFrame(s *session, m protocol.Message) bool {
	data, err := protocol.Encode(m)
	if err != nil {
		rt.logger.Error("encode outbound frame", "kind", m.Kind(), "error", err)
		return true
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.close()
		return false
	}
	return true
}

// registry tracks live sessions and the forwarder device -> session index.
type registry struct {
	mu         sync.Mutex
	sessions   map[string]*session
	forwarders map[string]*session
}

func newRegistry() *registry {
	return &registry{
		sessions:   make(map[string]*session),
		forwarders: make(map[string]*session),
	}
}

func (r *registry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
	if s.device.Type == store.DeviceForwarder {
		r.forwarders[s.device.ID] = s
	}
}

func (r *registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.id)
	if cur, ok := r.forwarders[s.device.ID]; ok && cur == s {
		delete(r.forwarders, s.device.ID)
	}
}

func (r *registry) forwarder(deviceID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forwarders[deviceID]
}

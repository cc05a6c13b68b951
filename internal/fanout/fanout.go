// Package fanout re-exposes a reader's byte stream on a local TCP port.
//
// Every payload pushed by the tailer is broadcast byte-identical to all
// connected consumers: no line-ending rewrite, no framing, no
// normalization. Consumers that disconnect or lag are silently dropped
// without affecting the others.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	defaultConsumerBufferSize  = 32
	defaultBroadcastBufferSize = 64
	writeTimeout               = 5 * time.Second
)

// consumer is one connected TCP client.
type consumer struct {
	conn net.Conn
	ch   chan []byte
}

// Hub owns one local TCP listener and broadcasts payloads to its consumers.
// Uses the one-goroutine channel-management pattern for thread safety.
type Hub struct {
	ln net.Listener

	register   chan *consumer
	unregister chan *consumer
	broadcast  chan []byte
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once

	consumerBufferSize int
	logger             *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger for the Hub.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithConsumerBufferSize sets the per-consumer payload buffer.
func WithConsumerBufferSize(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.consumerBufferSize = size
		}
	}
}

// Listen binds the local listener. A port collision is a loud failure: the
// error is returned to the caller, never swallowed.
func Listen(addr string, opts ...Option) (*Hub, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind local fanout %s: %w", addr, err)
	}

	h := &Hub{
		ln:                 ln,
		register:           make(chan *consumer),
		unregister:         make(chan *consumer),
		broadcast:          make(chan []byte, defaultBroadcastBufferSize),
		stop:               make(chan struct{}),
		stopped:            make(chan struct{}),
		consumerBufferSize: defaultConsumerBufferSize,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Addr returns the bound listener address.
func (h *Hub) Addr() net.Addr {
	return h.ln.Addr()
}

// Run accepts consumers and broadcasts payloads until ctx is cancelled or
// Stop is called. Should be run in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	go h.acceptLoop()

	clients := make(map[*consumer]struct{})
	defer func() {
		h.ln.Close()
		for c := range clients {
			close(c.ch)
			c.conn.Close()
		}
	}()

	for {
		select {
		case c := <-h.register:
			clients[c] = struct{}{}
			go h.writeLoop(c)
			h.logger.Debug("fanout consumer connected",
				"remote", c.conn.RemoteAddr().String(), "count", len(clients))

		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.ch)
				c.conn.Close()
				h.logger.Debug("fanout consumer dropped",
					"remote", c.conn.RemoteAddr().String(), "count", len(clients))
			}

		case payload := <-h.broadcast:
			for c := range clients {
				select {
				case c.ch <- payload:
				default:
					// Lagging consumer: drop it, keep the rest flowing.
					delete(clients, c)
					close(c.ch)
					c.conn.Close()
					h.logger.Warn("fanout consumer lagging, dropped",
						"remote", c.conn.RemoteAddr().String())
				}
			}

		case <-ctx.Done():
			return
		case <-h.stop:
			return
		}
	}
}

// Stop terminates the hub. Blocks until Run has returned.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.stopped
}

// Publish broadcasts one payload to all connected consumers. Blocks while
// the broadcast buffer is full so the producing tailer throttles rather
// than losing reads.
func (h *Hub) Publish(payload []byte) {
	select {
	case h.broadcast <- payload:
	case <-h.stopped:
	}
}

func (h *Hub) acceptLoop() {
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			// Listener closed on shutdown.
			return
		}
		c := &consumer{conn: conn, ch: make(chan []byte, h.consumerBufferSize)}
		select {
		case h.register <- c:
		case <-h.stopped:
			conn.Close()
			return
		}
	}
}

func (h *Hub) writeLoop(c *consumer) {
	for payload := range c.ch {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.conn.Write(payload); err != nil {
			select {
			case h.unregister <- c:
			case <-h.stopped:
			}
			// Drain until the hub closes the channel.
			for range c.ch {
			}
			return
		}
	}
}

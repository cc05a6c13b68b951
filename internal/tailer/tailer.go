// Package tailer maintains the TCP connection to a physical chip reader and
// surfaces its byte stream.
//
// The tailer is byte-exact: whatever the device sends is pushed downstream
// untouched. Record framing for the journal is a separate concern handled
// by Splitter.
package tailer

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/graaaaa/timerelay/internal/backoff"
)

const (
	defaultChunkBufferSize = 64
	readBufferSize         = 4096
	dialTimeout            = 10 * time.Second
)

// Tailer tails one reader endpoint, reconnecting forever until cancelled.
type Tailer struct {
	addr    string
	logger  *slog.Logger
	backoff *backoff.Calculator
	bufSize int

	mu        sync.Mutex
	connected bool
	lastError string
}

// Option configures a Tailer.
type Option func(*Tailer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tailer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithBackoff sets the reconnect backoff calculator.
func WithBackoff(b *backoff.Calculator) Option {
	return func(t *Tailer) {
		if b != nil {
			t.backoff = b
		}
	}
}

// WithChunkBufferSize sets the chunk channel buffer size.
func WithChunkBufferSize(size int) Option {
	return func(t *Tailer) {
		if size > 0 {
			t.bufSize = size
		}
	}
}

// New creates a Tailer for the given "ip:port" reader address.
func New(addr string, opts ...Option) *Tailer {
	t := &Tailer{
		addr:    addr,
		logger:  slog.Default(),
		backoff: backoff.New(backoff.DefaultConfig),
		bufSize: defaultChunkBufferSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Addr returns the reader address this tailer is attached to.
func (t *Tailer) Addr() string { return t.addr }

// Connected reports whether the reader connection is currently up.
func (t *Tailer) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// LastError returns the most recent connection error text, if any.
func (t *Tailer) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}

func (t *Tailer) setState(connected bool, errText string) {
	t.mu.Lock()
	t.connected = connected
	if errText != "" {
		t.lastError = errText
	}
	t.mu.Unlock()
}

// Start begins tailing and returns the chunk channel. The channel closes
// when ctx is cancelled. Sends block when the consumer lags; the reader's
// TCP window provides the upstream backpressure.
func (t *Tailer) Start(ctx context.Context) <-chan []byte {
	chunks := make(chan []byte, t.bufSize)
	go t.run(ctx, chunks)
	return chunks
}

func (t *Tailer) run(ctx context.Context, chunks chan<- []byte) {
	defer close(chunks)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", t.addr)
		if err != nil {
			t.setState(false, err.Error())
			t.logger.Warn("reader dial failed", "addr", t.addr, "attempt", attempt, "error", err)
			if err := t.backoff.Sleep(ctx, attempt); err != nil {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		t.setState(true, "")
		t.logger.Info("reader connected", "addr", t.addr)

		if err := t.readLoop(ctx, conn, chunks); err != nil {
			t.setState(false, err.Error())
			t.logger.Warn("reader connection lost", "addr", t.addr, "error", err)
		}
		conn.Close()

		if err := t.backoff.Sleep(ctx, attempt); err != nil {
			return
		}
		attempt++
	}
}

func (t *Tailer) readLoop(ctx context.Context, conn net.Conn, chunks chan<- []byte) error {
	// Unblock the read when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return err
		}
	}
}

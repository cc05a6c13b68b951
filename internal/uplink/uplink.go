// Package uplink drives the forwarder's WebSocket session with the server:
// connect, hello with resume cursors, await the first heartbeat, then drain
// the journal into event batches while applying acks and server commands.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/graaaaa/timerelay/internal/backoff"
	"github.com/graaaaa/timerelay/internal/journal"
	"github.com/graaaaa/timerelay/internal/protocol"
)

const (
	dialTimeout      = 10 * time.Second
	firstReplyWait   = 30 * time.Second
	writeWait        = 10 * time.Second
	heartbeatPeriod  = 30 * time.Second
	heartbeatTimeout = 90 * time.Second
)

// Journal is the slice of the forwarder journal the uplink needs.
type Journal interface {
	StreamStates(ctx context.Context) ([]journal.StreamState, error)
	UnackedEvents(ctx context.Context, readerIP string, fromEpoch, fromSeq uint64, limit int) ([]journal.Event, error)
	UpdateAckCursor(ctx context.Context, readerIP string, epoch, seq uint64) error
	BumpEpoch(ctx context.Context, readerIP string, newEpoch uint64) error
}

// FatalError is a non-retryable session failure (INVALID_TOKEN,
// IDENTITY_MISMATCH, ...). The uplink stops instead of reconnecting.
type FatalError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("uplink: fatal %s: %s", e.Code, e.Message)
}

// errEpochReset forces a reconnect so the fresh hello advertises the new
// epoch.
var errEpochReset = errors.New("uplink: epoch reset, reconnecting")

// BatchMode selects how the drain packs events.
type BatchMode string

const (
	// ModeImmediate sends as soon as any event is available.
	ModeImmediate BatchMode = "immediate"
	// ModeBatched accumulates up to BatchMaxEvents or BatchFlush.
	ModeBatched BatchMode = "batched"
)

// Config is the uplink configuration.
type Config struct {
	// URL is the full forwarder WS endpoint, e.g.
	// wss://relay.example.com/ws/v1/forwarders.
	URL string
	// Token is the raw bearer token.
	Token string
	// ForwarderID is this device's identity; must match the token claims.
	ForwarderID string
	// DisplayName is an optional operator-facing name.
	DisplayName string
	// ReaderIPs is the full list of attached reader addresses.
	ReaderIPs []string

	BatchMode      BatchMode
	BatchFlush     time.Duration
	BatchMaxEvents int
}

// Uplink is the forwarder's uplink loop.
type Uplink struct {
	cfg     Config
	journal Journal
	logger  *slog.Logger
	backoff *backoff.Calculator
	notify  chan struct{}

	mu        sync.Mutex
	connected bool
	sessionID string
	lastError string
}

// Option configures an Uplink.
type Option func(*Uplink)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Uplink) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithBackoff sets the reconnect backoff calculator.
func WithBackoff(b *backoff.Calculator) Option {
	return func(u *Uplink) {
		if b != nil {
			u.backoff = b
		}
	}
}

// New creates an Uplink over the given journal.
func New(cfg Config, j Journal, opts ...Option) *Uplink {
	if cfg.BatchMode == "" {
		cfg.BatchMode = ModeImmediate
	}
	if cfg.BatchFlush <= 0 {
		cfg.BatchFlush = 100 * time.Millisecond
	}
	if cfg.BatchMaxEvents <= 0 {
		cfg.BatchMaxEvents = 50
	}
	u := &Uplink{
		cfg:     cfg,
		journal: j,
		logger:  slog.Default(),
		backoff: backoff.New(backoff.DefaultConfig),
		notify:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Notify wakes the drain after a new event was journaled.
func (u *Uplink) Notify() {
	select {
	case u.notify <- struct{}{}:
	default:
	}
}

// Connected reports whether a session is currently established.
func (u *Uplink) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

// SessionID returns the current session id, empty when disconnected.
func (u *Uplink) SessionID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessionID
}

// LastError returns the most recent session error text.
func (u *Uplink) LastError() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastError
}

func (u *Uplink) setState(connected bool, sessionID, errText string) {
	u.mu.Lock()
	u.connected = connected
	u.sessionID = sessionID
	if errText != "" {
		u.lastError = errText
	}
	u.mu.Unlock()
}

// Run drives connect/hello/drain cycles until ctx is cancelled or a fatal
// error occurs. Transient failures reconnect with exponential backoff and
// jitter; an epoch reset reconnects immediately with a fresh hello.
func (u *Uplink) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := u.runSession(ctx)
		u.setState(false, "", errText(err))
		switch {
		case err == nil || errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, errEpochReset):
			attempt = 0
			continue
		default:
			var fatal *FatalError
			if errors.As(err, &fatal) {
				u.logger.Error("uplink stopped", "code", fatal.Code, "message", fatal.Message)
				return err
			}
		}

		u.logger.Warn("uplink session ended, reconnecting", "attempt", attempt, "error", err)
		if err := u.backoff.Sleep(ctx, attempt); err != nil {
			return nil
		}
		attempt++
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (u *Uplink) runSession(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+u.cfg.Token)

	conn, _, err := dialer.DialContext(ctx, u.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.cfg.URL, err)
	}
	defer conn.Close()

	if err := u.sendHello(ctx, conn); err != nil {
		return err
	}

	sessionID, deviceID, err := u.awaitFirstHeartbeat(conn)
	if err != nil {
		return err
	}
	u.setState(true, sessionID, "")
	u.logger.Info("uplink session established", "session_id", sessionID, "device_id", deviceID)

	return u.steadyState(ctx, conn, sessionID, deviceID)
}

// sendHello advertises all readers and the durable ack cursors. Streams
// that have never been acked are omitted from resume: an empty list means
// a fresh start.
func (u *Uplink) sendHello(ctx context.Context, conn *websocket.Conn) error {
	states, err := u.journal.StreamStates(ctx)
	if err != nil {
		return fmt.Errorf("read stream states for hello: %w", err)
	}

	hello := &protocol.ForwarderHello{
		ForwarderID: u.cfg.ForwarderID,
		ReaderIPs:   u.cfg.ReaderIPs,
		Resume:      []protocol.ResumeCursor{},
		DisplayName: u.cfg.DisplayName,
	}
	for _, st := range states {
		if st.AckedEpoch == 0 && st.AckedSeq == 0 {
			continue
		}
		hello.Resume = append(hello.Resume, protocol.ResumeCursor{
			ForwarderID: u.cfg.ForwarderID,
			ReaderIP:    st.ReaderIP,
			StreamEpoch: st.AckedEpoch,
			LastSeq:     st.AckedSeq,
		})
	}
	return writeFrame(conn, hello)
}

// awaitFirstHeartbeat enforces step 3 of the session machine: the first
// reply must be a heartbeat carrying our session and device ids. Fatal
// error codes must not auto-retry.
func (u *Uplink) awaitFirstHeartbeat(conn *websocket.Conn) (sessionID, deviceID string, err error) {
	conn.SetReadDeadline(time.Now().Add(firstReplyWait))
	m, err := readFrame(conn)
	if err != nil {
		return "", "", fmt.Errorf("await first heartbeat: %w", err)
	}

	switch msg := m.(type) {
	case *protocol.Heartbeat:
		return msg.SessionID, msg.DeviceID, nil
	case *protocol.ErrorMessage:
		if msg.Code.Retryable() {
			return "", "", fmt.Errorf("server refused session: %s: %s", msg.Code, msg.Message)
		}
		return "", "", &FatalError{Code: msg.Code, Message: msg.Message}
	default:
		return "", "", fmt.Errorf("first reply was %s, want heartbeat", m.Kind())
	}
}

func writeFrame(conn *websocket.Conn, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func readFrame(conn *websocket.Conn) (protocol.Message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// batchID mints the opaque per-batch correlation id. Logging only; ack
// correctness never depends on it.
func batchID() string {
	return uuid.NewString()
}

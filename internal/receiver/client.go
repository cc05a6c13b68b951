package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/graaaaa/timerelay/internal/backoff"
	"github.com/graaaaa/timerelay/internal/protocol"
)

const (
	dialTimeout      = 10 * time.Second
	firstReplyWait   = 30 * time.Second
	writeWait        = 10 * time.Second
	heartbeatPeriod  = 30 * time.Second
	heartbeatTimeout = 90 * time.Second
)

// FatalError is a non-retryable session failure; the client stops instead
// of reconnecting.
type FatalError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("receiver: fatal %s: %s", e.Code, e.Message)
}

// Config is the receiver client configuration.
type Config struct {
	// URL is the full receiver WS endpoint, e.g.
	// wss://relay.example.com/ws/v1/receivers.
	URL string
	// Token is the raw bearer token.
	Token string
	// ReceiverID is this device's identity; must match the token claims.
	ReceiverID string
	// Subscriptions are the streams to receive and re-expose.
	Subscriptions []Subscription
}

// Client is the receiver's WS session loop: connect, hello with durable
// resume cursors, subscribe, then deliver batches locally and ack with
// per-stream high-water marks.
type Client struct {
	cfg     Config
	cursors *CursorDB
	exposer *Exposer
	logger  *slog.Logger
	backoff *backoff.Calculator

	mu        sync.Mutex
	connected bool
	sessionID string
	lastError string
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBackoff sets the reconnect backoff calculator.
func WithBackoff(b *backoff.Calculator) Option {
	return func(c *Client) {
		if b != nil {
			c.backoff = b
		}
	}
}

// New creates a Client delivering through exposer and persisting cursors
// in cursors.
func New(cfg Config, cursors *CursorDB, exposer *Exposer, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		cursors: cursors,
		exposer: exposer,
		logger:  slog.Default(),
		backoff: backoff.New(backoff.DefaultConfig),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether a session is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastError returns the most recent session error text.
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Client) setState(connected bool, sessionID, errText string) {
	c.mu.Lock()
	c.connected = connected
	c.sessionID = sessionID
	if errText != "" {
		c.lastError = errText
	}
	c.mu.Unlock()
}

// Run drives connect/hello/deliver cycles until ctx is cancelled or a
// fatal error occurs.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.runSession(ctx)
		c.setState(false, "", errText(err))
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		var fatal *FatalError
		if errors.As(err, &fatal) {
			c.logger.Error("receiver stopped", "code", fatal.Code, "message", fatal.Message)
			return err
		}

		c.logger.Warn("receiver session ended, reconnecting", "attempt", attempt, "error", err)
		if err := c.backoff.Sleep(ctx, attempt); err != nil {
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

func (c *Client) runSession(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	// Hello carries the durable cursors: the server resumes each stream
	// right past what we have already processed.
	resume, err := c.cursors.ResumeCursors(ctx)
	if err != nil {
		return fmt.Errorf("read resume cursors: %w", err)
	}
	if err := writeFrame(conn, &protocol.ReceiverHello{
		ReceiverID: c.cfg.ReceiverID,
		Resume:     resume,
	}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	sessionID, deviceID, err := c.awaitFirstHeartbeat(conn)
	if err != nil {
		return err
	}
	c.setState(true, sessionID, "")
	c.logger.Info("receiver session established", "session_id", sessionID, "device_id", deviceID)

	// Subscribe to configured streams the resume list did not already
	// cover implicitly.
	covered := make(map[string]struct{}, len(resume))
	for _, cur := range resume {
		covered[StreamKey(cur.ForwarderID, cur.ReaderIP)] = struct{}{}
	}
	var fresh []protocol.StreamRef
	for _, sub := range c.cfg.Subscriptions {
		if _, ok := covered[StreamKey(sub.ForwarderID, sub.ReaderIP)]; !ok {
			fresh = append(fresh, protocol.StreamRef{
				ForwarderID: sub.ForwarderID,
				ReaderIP:    sub.ReaderIP,
			})
		}
	}
	if len(fresh) > 0 {
		if err := writeFrame(conn, &protocol.ReceiverSubscribe{
			SessionID: sessionID,
			Streams:   fresh,
		}); err != nil {
			return fmt.Errorf("send subscribe: %w", err)
		}
	}

	return c.deliverLoop(ctx, conn, sessionID, deviceID)
}

func (c *Client) awaitFirstHeartbeat(conn *websocket.Conn) (sessionID, deviceID string, err error) {
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

// deliverLoop accepts batches, writes them to the local ports, and acks
// per-stream high-water marks. The loop is the socket's only writer.
func (c *Client) deliverLoop(ctx context.Context, conn *websocket.Conn, sessionID, deviceID string) error {
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

	heartbeatTicker := time.NewTicker(heartbeatPeriod)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case err := <-readErr:
			return fmt.Errorf("receiver read: %w", err)

		case <-heartbeatTicker.C:
			hb := &protocol.Heartbeat{SessionID: sessionID, DeviceID: deviceID}
			if err := writeFrame(conn, hb); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}

		case m := <-inbound:
			switch msg := m.(type) {
			case *protocol.ReceiverEventBatch:
				if err := c.handleBatch(ctx, conn, sessionID, msg); err != nil {
					return err
				}
			case *protocol.Heartbeat:
				// Liveness only.
			case *protocol.ErrorMessage:
				if msg.Code.Retryable() {
					return fmt.Errorf("server error %s: %s", msg.Code, msg.Message)
				}
				return &FatalError{Code: msg.Code, Message: msg.Message}
			default:
				return fmt.Errorf("unexpected %s from server", m.Kind())
			}
		}
	}
}

func (c *Client) handleBatch(ctx context.Context, conn *websocket.Conn, sessionID string, batch *protocol.ReceiverEventBatch) error {
	type streamEpoch struct {
		forwarderID string
		readerIP    string
		epoch       uint64
	}
	high := make(map[streamEpoch]uint64)

	for _, ev := range batch.Events {
		c.exposer.Deliver(ev.ForwarderID, ev.ReaderIP, ev.RawReadLine)
		se := streamEpoch{ev.ForwarderID, ev.ReaderIP, ev.StreamEpoch}
		if ev.Seq > high[se] {
			high[se] = ev.Seq
		}
	}

	ack := &protocol.ReceiverAck{SessionID: sessionID}
	for se, seq := range high {
		// Persist before acking: the ack states what we have durably
		// recorded, mirroring the forwarder journal discipline.
		if err := c.cursors.Update(ctx, se.forwarderID, se.readerIP, se.epoch, seq); err != nil {
			return err
		}
		ack.Entries = append(ack.Entries, protocol.AckEntry{
			ForwarderID: se.forwarderID,
			ReaderIP:    se.readerIP,
			StreamEpoch: se.epoch,
			LastSeq:     seq,
		})
	}
	if len(ack.Entries) == 0 {
		return nil
	}
	if err := writeFrame(conn, ack); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}
	return nil
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

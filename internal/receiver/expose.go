package receiver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/graaaaa/timerelay/internal/fanout"
)

// Exposer owns the per-stream local TCP listeners. Each delivered event's
// raw_read_line is emitted followed by CRLF, the integration contract for
// downstream scoring software.
type Exposer struct {
	hubs     map[string]*fanout.Hub      // by stream key
	degraded map[string]PortAssignment   // collisions, reported on status
	logger   *slog.Logger
}

// NewExposer binds a listener per non-colliding subscription. Colliding
// streams are recorded as degraded and skipped; bind failures on a
// resolved port are loud errors.
func NewExposer(ctx context.Context, subs []Subscription, logger *slog.Logger) (*Exposer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Exposer{
		hubs:     make(map[string]*fanout.Hub),
		degraded: make(map[string]PortAssignment),
		logger:   logger,
	}

	assignments := ResolvePorts(subs)
	for key, a := range assignments {
		if a.Collision() {
			e.degraded[key] = a
			logger.Warn("stream degraded by port collision",
				"stream", key, "wanted", a.Wanted, "collides_with", a.CollidesWith)
			continue
		}
		hub, err := fanout.Listen(fmt.Sprintf(":%d", a.Port), fanout.WithLogger(logger))
		if err != nil {
			e.CloseAll()
			return nil, fmt.Errorf("expose %s: %w", key, err)
		}
		go hub.Run(ctx)
		e.hubs[key] = hub
		logger.Info("stream exposed", "stream", key, "port", a.Port)
	}
	return e, nil
}

// Deliver emits one read line on the stream's local port. Events for
// degraded or unknown streams are dropped with a debug log; the WS session
// still acks them, the local exposure is best-effort by contract.
func (e *Exposer) Deliver(forwarderID, readerIP, rawReadLine string) {
	key := StreamKey(forwarderID, readerIP)
	hub, ok := e.hubs[key]
	if !ok {
		e.logger.Debug("event for unexposed stream", "stream", key)
		return
	}
	hub.Publish([]byte(rawReadLine + "\r\n"))
}

// Degraded returns the collision map for the status surface.
func (e *Exposer) Degraded() map[string]PortAssignment {
	return e.degraded
}

// CloseAll stops every listener.
func (e *Exposer) CloseAll() {
	for _, hub := range e.hubs {
		hub.Stop()
	}
}

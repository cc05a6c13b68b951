// Package httpapi provides the server's HTTP control surface and the
// forwarder's status endpoints.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/graaaaa/timerelay/internal/store"
)

// ControlPlane is the slice of the session router the HTTP surface drives.
type ControlPlane interface {
	ResetEpoch(ctx context.Context, streamID string) error
	ForwarderOnline(forwarderID string) bool
}

// Server is the control-plane HTTP server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux

	store   *store.Store
	control ControlPlane
	logger  *slog.Logger

	rateLimit rateLimitConfig
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRateLimit caps request throughput (requests/second with burst).
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rateLimit = rateLimitConfig{rps: rps, burst: burst, enabled: true}
	}
}

// New creates the control-plane server bound to addr.
func New(addr string, st *store.Store, control ControlPlane, opts ...Option) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		mux:     mux,
		store:   st,
		control: control,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	var limit func(http.Handler) http.Handler
	if s.rateLimit.enabled {
		limit = rateLimitMiddleware(s.rateLimit)
	}
	wrap := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		if limit != nil {
			handler = limit(handler)
		}
		return loggingMiddleware(s.logger)(handler)
	}

	s.mux.Handle("GET /healthz", wrap(s.handleHealthz))
	s.mux.Handle("GET /readyz", wrap(s.handleReadyz))
	s.mux.Handle("GET /api/v1/streams", wrap(s.handleListStreams))
	s.mux.Handle("PATCH /api/v1/streams/{id}", wrap(s.handleRenameStream))
	s.mux.Handle("GET /api/v1/streams/{id}/metrics", wrap(s.handleStreamMetrics))
	s.mux.Handle("POST /api/v1/streams/{id}/reset-epoch", wrap(s.handleResetEpoch))
	s.mux.Handle("GET /api/v1/streams/{id}/export.txt", wrap(s.handleExportTxt))
	s.mux.Handle("GET /api/v1/streams/{id}/export.csv", wrap(s.handleExportCSV))
}

// Handler exposes the routed handler (tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Mux exposes the underlying mux so the WS endpoints can share the bind
// address with the control surface.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Start runs the server until Shutdown. Blocks.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ready(r.Context()); err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, CodeUnavailable, "database not ready", nil)
		return
	}
	w.WriteHeader(http.StatusOK)
}

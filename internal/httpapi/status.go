package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/graaaaa/timerelay/internal/journal"
)

// JournalStatus is the slice of the journal the status page reads.
type JournalStatus interface {
	StreamStates(ctx context.Context) ([]journal.StreamState, error)
	TotalEventCount(ctx context.Context) (int64, error)
}

// LinkStatus reports the uplink's connection state.
type LinkStatus interface {
	Connected() bool
	SessionID() string
	LastError() string
}

// ReaderStatus reports one tailer's connection state.
type ReaderStatus interface {
	Addr() string
	Connected() bool
	LastError() string
}

// StatusServer is the forwarder's local status/health HTTP endpoint.
type StatusServer struct {
	httpServer *http.Server
	journal    JournalStatus
	uplink     LinkStatus
	readers    []ReaderStatus
	journalDir string
	logger     *slog.Logger
}

// NewStatusServer creates the forwarder status server bound to addr.
// journalPath locates the filesystem whose free space is reported.
func NewStatusServer(addr string, j JournalStatus, uplink LinkStatus, readers []ReaderStatus, journalPath string, logger *slog.Logger) *StatusServer {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &StatusServer{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		journal:    j,
		uplink:     uplink,
		readers:    readers,
		journalDir: filepath.Dir(journalPath),
		logger:     logger,
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /status", loggingMiddleware(logger)(http.HandlerFunc(s.handleStatus)))
	return s
}

// Start runs the status server. Blocks.
func (s *StatusServer) Start() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type readerStatusView struct {
	Addr      string `json:"addr"`
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

type streamStatusView struct {
	ReaderIP     string `json:"reader_ip"`
	CurrentEpoch uint64 `json:"current_epoch"`
	NextSeq      uint64 `json:"next_seq"`
	AckedEpoch   uint64 `json:"acked_epoch"`
	AckedSeq     uint64 `json:"acked_seq"`
}

type diskView struct {
	Path        string  `json:"path"`
	FreeBytes   uint64  `json:"free_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

type statusView struct {
	UplinkConnected bool               `json:"uplink_connected"`
	SessionID       string             `json:"session_id,omitempty"`
	LastError       string             `json:"last_error,omitempty"`
	JournalRows     int64              `json:"journal_rows"`
	Streams         []streamStatusView `json:"streams"`
	Readers         []readerStatusView `json:"readers"`
	Disk            *diskView          `json:"disk,omitempty"`
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	view := statusView{
		UplinkConnected: s.uplink.Connected(),
		SessionID:       s.uplink.SessionID(),
		LastError:       s.uplink.LastError(),
	}

	rows, err := s.journal.TotalEventCount(r.Context())
	if err != nil {
		s.logger.Error("status journal count", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, CodeInternalError, "journal unavailable", nil)
		return
	}
	view.JournalRows = rows

	states, err := s.journal.StreamStates(r.Context())
	if err != nil {
		s.logger.Error("status stream states", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, CodeInternalError, "journal unavailable", nil)
		return
	}
	for _, st := range states {
		view.Streams = append(view.Streams, streamStatusView{
			ReaderIP:     st.ReaderIP,
			CurrentEpoch: st.CurrentEpoch,
			NextSeq:      st.NextSeq,
			AckedEpoch:   st.AckedEpoch,
			AckedSeq:     st.AckedSeq,
		})
	}

	for _, rd := range s.readers {
		view.Readers = append(view.Readers, readerStatusView{
			Addr:      rd.Addr(),
			Connected: rd.Connected(),
			LastError: rd.LastError(),
		})
	}

	if usage, err := disk.UsageWithContext(r.Context(), s.journalDir); err == nil {
		view.Disk = &diskView{
			Path:        s.journalDir,
			FreeBytes:   usage.Free,
			TotalBytes:  usage.Total,
			UsedPercent: usage.UsedPercent,
		}
	}

	writeJSON(w, http.StatusOK, view)
}

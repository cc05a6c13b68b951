package httpapi

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/graaaaa/timerelay/internal/router"
	"github.com/graaaaa/timerelay/internal/store"
)

// streamView is the listing shape.
type streamView struct {
	StreamID     string `json:"stream_id"`
	ForwarderID  string `json:"forwarder_id"`
	ReaderIP     string `json:"reader_ip"`
	DisplayAlias string `json:"display_alias,omitempty"`
	StreamEpoch  uint64 `json:"stream_epoch"`
	Online       bool   `json:"online"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := s.store.ListStreams(r.Context())
	if err != nil {
		s.internalError(w, "list streams", err)
		return
	}
	views := make([]streamView, 0, len(streams))
	for _, st := range streams {
		views = append(views, streamView{
			StreamID:     st.ID,
			ForwarderID:  st.ForwarderID,
			ReaderIP:     st.ReaderIP,
			DisplayAlias: st.DisplayAlias,
			StreamEpoch:  st.StreamEpoch,
			Online:       s.control.ForwarderOnline(st.ForwarderID),
			CreatedAt:    st.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type renameRequest struct {
	DisplayAlias string `json:"display_alias"`
}

func (s *Server) handleRenameStream(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body", nil)
		return
	}
	err := s.store.RenameStream(r.Context(), r.PathValue("id"), req.DisplayAlias)
	if errors.Is(err, store.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, CodeNotFound, "unknown stream", nil)
		return
	}
	if err != nil {
		s.internalError(w, "rename stream", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type metricsView struct {
	RawCount        int64  `json:"raw_count"`
	DedupCount      int64  `json:"dedup_count"`
	RetransmitCount int64  `json:"retransmit_count"`
	LagMs           *int64 `json:"lag_ms,omitempty"`
	Backlog         int64  `json:"backlog"`
}

func (s *Server) handleStreamMetrics(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")

	m, err := s.store.StreamMetrics(r.Context(), streamID)
	if errors.Is(err, store.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, CodeNotFound, "unknown stream", nil)
		return
	}
	if err != nil {
		s.internalError(w, "stream metrics", err)
		return
	}

	backlog, err := s.store.Backlog(r.Context(), streamID)
	if err != nil {
		s.internalError(w, "stream backlog", err)
		return
	}

	view := metricsView{
		RawCount:        m.RawCount,
		DedupCount:      m.DedupCount,
		RetransmitCount: m.RetransmitCount,
		Backlog:         backlog,
	}
	if last, err := s.store.LastReceivedAt(r.Context(), streamID); err == nil && !last.IsZero() {
		lag := time.Since(last).Milliseconds()
		view.LagMs = &lag
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResetEpoch(w http.ResponseWriter, r *http.Request) {
	err := s.control.ResetEpoch(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, CodeNotFound, "unknown stream", nil)
	case errors.Is(err, router.ErrForwarderOffline):
		writeErrorResponse(w, http.StatusConflict, CodeConflict, "forwarder offline", nil)
	case errors.Is(err, router.ErrQueueFull):
		writeErrorResponse(w, http.StatusGatewayTimeout, CodeGatewayTimeout,
			"forwarder command queue saturated", nil)
	default:
		s.internalError(w, "reset epoch", err)
	}
}

func (s *Server) handleExportTxt(w http.ResponseWriter, r *http.Request) {
	events, ok := s.exportEvents(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, e := range events {
		if _, err := w.Write([]byte(e.RawReadLine + "\n")); err != nil {
			return
		}
	}
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	events, ok := s.exportEvents(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"stream_epoch", "seq", "reader_timestamp", "raw_read_line", "read_type"})
	for _, e := range events {
		_ = cw.Write([]string{
			strconv.FormatUint(e.StreamEpoch, 10),
			strconv.FormatUint(e.Seq, 10),
			e.ReaderTimestamp,
			e.RawReadLine,
			e.ReadType,
		})
	}
	cw.Flush()
}

// exportEvents resolves the stream and loads its canonical events in
// (epoch, seq) order. Writes the error response itself on failure.
func (s *Server) exportEvents(w http.ResponseWriter, r *http.Request) ([]store.StoredEvent, bool) {
	streamID := r.PathValue("id")
	if _, err := s.store.GetStream(r.Context(), streamID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErrorResponse(w, http.StatusNotFound, CodeNotFound, "unknown stream", nil)
		} else {
			s.internalError(w, "resolve stream", err)
		}
		return nil, false
	}
	events, err := s.store.ExportEvents(r.Context(), streamID)
	if err != nil {
		s.internalError(w, "export events", err)
		return nil, false
	}
	return events, true
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what, "error", err)
	writeErrorResponse(w, http.StatusInternalServerError, CodeInternalError, what+" failed", nil)
}

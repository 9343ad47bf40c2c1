package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// Stream-local event types. They are generated per connection and never
// stored.
const (
	EventTypeHello     types.EventType = "hello"
	EventTypeStreamEnd types.EventType = "stream_end"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsMaxMessageSize = 4096
)

// streamWriter delivers run events over one transport.
type streamWriter interface {
	event(evt *types.Event) error
	heartbeat() error
}

// follow replays the stored events of a run after lastEventID and then
// forwards live events until the run is done, the context ends or a write
// fails. It returns the id of the last event delivered. The subscription is
// opened before the replay so nothing falls between the two; duplicates are
// dropped by sequence number.
func (h *Handlers) follow(ctx context.Context, runID, lastEventID string, out streamWriter) (string, error) {
	events, cleanup, err := h.runs.Subscribe(ctx, runID)
	if err != nil {
		return lastEventID, err
	}
	defer cleanup()

	lastSeq, _ := strconv.ParseInt(lastEventID, 10, 64)
	last := lastEventID
	deliver := func(evt *types.Event) error {
		seq, _ := strconv.ParseInt(evt.ID, 10, 64)
		if seq <= lastSeq {
			return nil
		}
		if err := out.event(evt); err != nil {
			return err
		}
		lastSeq, last = seq, evt.ID
		return nil
	}

	backlog, err := h.runs.GetEventsSince(ctx, runID, lastEventID)
	if err != nil {
		return last, err
	}
	for _, evt := range backlog {
		if err := deliver(evt); err != nil {
			return last, err
		}
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return last, nil
			}
			if err := deliver(evt); err != nil {
				return last, err
			}
		case <-ticker.C:
			if err := out.heartbeat(); err != nil {
				return last, err
			}
		}
	}
}

// streamEnd builds the closing event carrying the run's final state.
func (h *Handlers) streamEnd(ctx context.Context, runID, lastID string) *types.Event {
	evt := &types.Event{
		ID:        lastID,
		RunID:     runID,
		Type:      EventTypeStreamEnd,
		Timestamp: time.Now().UTC(),
	}
	meta, err := h.runs.GetRunMeta(ctx, runID)
	if err != nil {
		h.logger.Warn("failed to get run meta for stream end", "run_id", runID, "error", err)
		return evt
	}
	data := map[string]interface{}{"status": meta.Status}
	if meta.Error != "" {
		data["error"] = meta.Error
	}
	evt.Data, _ = json.Marshal(data)
	return evt
}

func helloEvent(runID, lastID string) *types.Event {
	if lastID == "" {
		lastID = "0"
	}
	return &types.Event{ID: lastID, RunID: runID, Type: EventTypeHello, Timestamp: time.Now().UTC()}
}

// checkRun answers 404 for unknown runs before a stream is opened.
func (h *Handlers) checkRun(w http.ResponseWriter, r *http.Request, runID string) bool {
	if _, err := h.runs.GetRunMeta(r.Context(), runID); err != nil {
		h.runError(w, r, err)
		return false
	}
	return true
}

// --- Server-Sent Events ---

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) event(evt *types.Event) error {
	if _, err := s.w.Write(evt.ToSSE()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) heartbeat() error {
	if _, err := s.w.Write([]byte(": heartbeat\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// StreamEvents handles GET /api/v1/runs/{id}/events. It implements
// Server-Sent Events and resumes after the Last-Event-ID header.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	startTime := time.Now()

	if !h.checkRun(w, r, runID) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	metrics.StreamConnections.WithLabelValues("sse").Inc()
	defer metrics.StreamConnections.WithLabelValues("sse").Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastEventID := r.Header.Get("Last-Event-ID")
	out := &sseWriter{w: w, flusher: flusher}

	logger := h.logger.With(
		slog.String("run_id", runID),
		slog.String("request_id", GetRequestID(ctx, r)),
	)
	logger.Info("SSE connection opened", slog.String("last_event_id", lastEventID))

	if err := out.event(helloEvent(runID, lastEventID)); err != nil {
		return
	}

	last, err := h.follow(ctx, runID, lastEventID, out)
	reason := "run_completed"
	switch {
	case err == nil:
		_ = out.event(h.streamEnd(ctx, runID, last))
	case errors.Is(err, context.Canceled):
		reason = "client_disconnect"
	default:
		reason = "error"
		logger.Warn("SSE stream failed", "error", err)
	}

	logger.Info("SSE connection closed",
		slog.Duration("duration", time.Since(startTime)),
		slog.String("reason", reason),
	)
}

// --- WebSocket ---

type wsWriter struct {
	conn *websocket.Conn
}

func (s *wsWriter) event(evt *types.Event) error {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(evt)
}

func (s *wsWriter) heartbeat() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// StreamWebSocket handles GET /api/v1/runs/{id}/ws. Each run event is sent as
// one JSON text message; the lastEventId query parameter resumes a stream.
// Messages from the client are ignored.
func (h *Handlers) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	startTime := time.Now()

	if !h.checkRun(w, r, runID) {
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if h.originAllowed(origin) {
				return true
			}
			h.logger.Warn("websocket origin rejected", "origin", origin, "run_id", runID)
			return false
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()

	metrics.StreamConnections.WithLabelValues("ws").Inc()
	defer metrics.StreamConnections.WithLabelValues("ws").Dec()

	// A hijacked peer going away does not cancel the request context; the
	// read loop does that.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		conn.SetReadLimit(wsMaxMessageSize)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastEventID := r.URL.Query().Get("lastEventId")
	out := &wsWriter{conn: conn}
	logger := h.logger.With(slog.String("run_id", runID))
	logger.Info("websocket connection opened", slog.String("last_event_id", lastEventID))

	if err := out.event(helloEvent(runID, lastEventID)); err != nil {
		return
	}

	last, err := h.follow(ctx, runID, lastEventID, out)
	reason := "run_completed"
	switch {
	case err == nil:
		if out.event(h.streamEnd(ctx, runID, last)) == nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run completed"),
				time.Now().Add(wsWriteWait))
		}
	case errors.Is(err, context.Canceled):
		reason = "client_disconnect"
	default:
		reason = "error"
		logger.Warn("websocket stream failed", "error", err)
	}

	logger.Info("websocket connection closed",
		slog.Duration("duration", time.Since(startTime)),
		slog.String("reason", reason),
	)
}

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/events"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// heartbeatInterval keeps idle SSE connections open through proxies.
var heartbeatInterval = 15 * time.Second

// StreamEvents handles GET /api/v1/runs/{id}/events
// It implements Server-Sent Events (SSE) for streaming run events. The
// stream ends with a stream_end event once the run reaches a terminal status.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		h.respondDomainError(w, r, "failed to get run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	sub, err := h.bus.Subscribe(ctx, runID, r.Header.Get("Last-Event-ID"))
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to subscribe to events", err)
		return
	}
	defer sub.Close()

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("SSE connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
	)

	closed := func(reason string) {
		duration := time.Since(startTime)
		metrics.SSEConnectionDuration.Observe(duration.Seconds())
		h.logger.Info("SSE connection closed",
			slog.String("run_id", runID),
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("reason", reason),
		)
	}

	for _, ev := range sub.Backlog {
		h.writeSSE(w, flusher, ev)
		if events.IsTerminal(ev) {
			h.sendStreamEnd(w, flusher, ev)
			closed("run_finished")
			return
		}
	}

	// The run may have finished before anything was retained for it, e.g.
	// after a restart with an in-memory bus.
	if run.Status.IsTerminal() && len(sub.Backlog) == 0 {
		final := types.NewEvent(runID, types.EventTypeRunStatus, "", types.RunStatusEvent{Status: run.Status, Error: run.Error})
		h.sendStreamEnd(w, flusher, final)
		closed("run_finished")
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			closed("client_disconnect")
			return

		case ev, ok := <-sub.C:
			if !ok {
				closed("subscription_closed")
				return
			}
			h.writeSSE(w, flusher, ev)
			if events.IsTerminal(ev) {
				h.sendStreamEnd(w, flusher, ev)
				closed("run_finished")
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends the final event carrying the run's terminal status.
func (h *Handlers) sendStreamEnd(w http.ResponseWriter, flusher http.Flusher, final *types.Event) {
	var payload types.RunStatusEvent
	_ = json.Unmarshal(final.Data, &payload)
	evt := types.NewEvent(final.RunID, types.EventTypeStreamEnd, "", payload)
	evt.ID = "final"
	h.writeSSE(w, flusher, evt)
}

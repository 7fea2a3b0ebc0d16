package triageapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sentinel/internal/hub"
	"github.com/linnemanlabs/sentinel/internal/triage"
)

func (a *API) handleStartTriage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AlertID string `json:"alertId"`
	}
	if err := decodeBody(r, &req); err != nil || req.AlertID == "" {
		writeError(w, http.StatusBadRequest, "alertId_required")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinel.alert.id", req.AlertID))

	res, err := a.svc.Start(r.Context(), req.AlertID)
	if err != nil {
		var rl *triage.RateLimitedError
		switch {
		case errors.Is(err, triage.ErrAlertNotFound):
			writeError(w, http.StatusNotFound, "alert_not_found")
		case errors.As(err, &rl):
			retryMs := rl.RetryAfter.Milliseconds()
			w.Header().Set("Retry-After", strconv.FormatInt((retryMs+999)/1000, 10))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":        "rate_limited",
				"retryAfterMs": retryMs,
			})
		default:
			a.logger.Error(r.Context(), err, "start triage", "alert_id", req.AlertID)
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	span.SetAttributes(attribute.String("sentinel.run.id", res.RunID))
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, ok, err := a.svc.GetRun(r.Context(), runID)
	if err != nil {
		a.logger.Error(r.Context(), err, "get run", "run_id", runID)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run_not_found")
		return
	}

	traces, err := a.svc.ListTraces(r.Context(), runID)
	if err != nil {
		a.logger.Error(r.Context(), err, "list traces", "run_id", runID)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if traces == nil {
		traces = []triage.TraceRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"run": run, "trace": traces})
}

// handleStreamRun replays a run's event history and then streams live
// events over SSE until the client disconnects or the stream is evicted.
func (a *API) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}

	history, live, cancel := a.svc.Subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for _, ev := range history {
		a.writeSSE(ctx, w, flusher, ev)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-live:
			if !open {
				return
			}
			a.writeSSE(ctx, w, flusher, ev)
		}
	}
}

func (a *API) writeSSE(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, ev hub.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error(ctx, err, "marshal stream event", "kind", ev.Kind)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	flusher.Flush()
}

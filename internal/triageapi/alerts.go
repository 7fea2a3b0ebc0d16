package triageapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/sentinel/internal/records"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

func pageLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	page, err := a.recs.ListAlertsPage(r.Context(), r.URL.Query().Get("cursor"), pageLimit(r))
	if err != nil {
		a.logger.Error(r.Context(), err, "list alerts")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	items := page.Items
	if items == nil {
		items = []records.Alert{}
	}
	var next any
	if page.NextCursor != "" {
		next = page.NextCursor
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (a *API) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Status records.AlertStatus `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil || !records.ValidAlertStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid_status")
		return
	}

	updated, ok, err := a.recs.UpdateAlertStatus(r.Context(), id, req.Status)
	if err != nil {
		a.logger.Error(r.Context(), err, "update alert status", "alert_id", id)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

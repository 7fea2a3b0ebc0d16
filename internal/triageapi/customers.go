package triageapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/sentinel/internal/records"
)

func (a *API) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "id")

	page, err := a.recs.ListTransactionsPage(r.Context(), customerID, r.URL.Query().Get("cursor"), pageLimit(r))
	if err != nil {
		a.logger.Error(r.Context(), err, "list transactions", "customer_id", customerID)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	items := page.Items
	if items == nil {
		items = []records.Transaction{}
	}
	var next any
	if page.NextCursor != "" {
		next = page.NextCursor
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

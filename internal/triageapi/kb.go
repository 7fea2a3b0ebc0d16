package triageapi

import "net/http"

func (a *API) handleSearchKB(w http.ResponseWriter, r *http.Request) {
	hits, err := a.kb.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		a.logger.Error(r.Context(), err, "kb search")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

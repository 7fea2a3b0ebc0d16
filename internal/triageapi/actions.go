package triageapi

import (
	"errors"
	"net/http"

	"github.com/linnemanlabs/sentinel/internal/actions"
)

func (a *API) handleFreezeCard(w http.ResponseWriter, r *http.Request) {
	var in actions.FreezeCardInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	in.IdempotencyKey = r.Header.Get("Idempotency-Key")

	resp, err := a.gateway.FreezeCard(r.Context(), in)
	if err != nil {
		a.writeActionError(w, r, "freeze card", err)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

func (a *API) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var in actions.OpenDisputeInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	in.IdempotencyKey = r.Header.Get("Idempotency-Key")

	resp, err := a.gateway.OpenDispute(r.Context(), in)
	if err != nil {
		a.writeActionError(w, r, "open dispute", err)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

func (a *API) writeActionError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		ve *actions.ValidationError
		nf *actions.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Code)
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, nf.Code)
	default:
		a.logger.Error(r.Context(), err, op)
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

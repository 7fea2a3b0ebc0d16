// Package triageapi exposes the triage pipeline, run streams, operator
// actions, and supporting record reads over HTTP.
package triageapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sentinel/internal/actions"
	"github.com/linnemanlabs/sentinel/internal/hub"
	"github.com/linnemanlabs/sentinel/internal/records"
	"github.com/linnemanlabs/sentinel/internal/steps"
	"github.com/linnemanlabs/sentinel/internal/triage"
)

// TriageService defines the run lifecycle operations the API needs.
type TriageService interface {
	Start(ctx context.Context, alertID string) (*triage.StartResult, error)
	GetRun(ctx context.Context, id string) (*triage.Run, bool, error)
	ListTraces(ctx context.Context, runID string) ([]triage.TraceRecord, error)
	Subscribe(runID string) (history []hub.Event, live <-chan hub.Event, cancel func())
}

// ActionGateway defines the operator actions the API exposes.
type ActionGateway interface {
	FreezeCard(ctx context.Context, in actions.FreezeCardInput) (json.RawMessage, error)
	OpenDispute(ctx context.Context, in actions.OpenDisputeInput) (json.RawMessage, error)
}

// RecordReader is the slice of the record store the read endpoints use.
type RecordReader interface {
	ListAlertsPage(ctx context.Context, cursor string, limit int) (*records.AlertPage, error)
	UpdateAlertStatus(ctx context.Context, id string, status records.AlertStatus) (*records.Alert, bool, error)
	ListTransactionsPage(ctx context.Context, customerID, cursor string, limit int) (*records.TransactionPage, error)
}

// KBSearcher serves the knowledge-base search endpoint.
type KBSearcher interface {
	Search(ctx context.Context, q string) ([]steps.SearchHit, error)
}

// API holds dependencies for the HTTP handlers.
type API struct {
	logger  log.Logger
	svc     TriageService
	gateway ActionGateway
	recs    RecordReader
	kb      KBSearcher
	auth    func(http.Handler) http.Handler
}

// New creates an API handler. auth guards the action routes; a nil auth
// leaves them open (tests only).
func New(logger log.Logger, svc TriageService, gateway ActionGateway, recs RecordReader, kb KBSearcher, auth func(http.Handler) http.Handler) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger:  logger,
		svc:     svc,
		gateway: gateway,
		recs:    recs,
		kb:      kb,
		auth:    auth,
	}
}

// RegisterRoutes attaches the API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/triage", a.handleStartTriage)
		r.Get("/triage/{runID}/stream", a.handleStreamRun)
		r.Get("/runs/{runID}", a.handleGetRun)

		r.Get("/alerts", a.handleListAlerts)
		r.Patch("/alerts/{id}", a.handleUpdateAlert)
		r.Get("/customers/{id}/transactions", a.handleListTransactions)
		r.Get("/kb/search", a.handleSearchKB)

		r.Route("/action", func(r chi.Router) {
			if a.auth != nil {
				r.Use(a.auth)
			}
			r.Post("/freeze-card", a.handleFreezeCard)
			r.Post("/open-dispute", a.handleOpenDispute)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeRaw(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

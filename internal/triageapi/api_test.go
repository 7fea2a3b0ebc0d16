package triageapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/actions"
	"github.com/linnemanlabs/sentinel/internal/authmw"
	"github.com/linnemanlabs/sentinel/internal/hub"
	"github.com/linnemanlabs/sentinel/internal/limiter"
	"github.com/linnemanlabs/sentinel/internal/records"
	recmem "github.com/linnemanlabs/sentinel/internal/records/memstore"
	"github.com/linnemanlabs/sentinel/internal/steps"
	"github.com/linnemanlabs/sentinel/internal/triage"
	trimem "github.com/linnemanlabs/sentinel/internal/triage/memstore"
)

const testAPIKey = "secret-key"

type testEnv struct {
	srv    *httptest.Server
	recs   *recmem.Store
	triage *trimem.Store
	svc    *triage.Service
}

func newTestEnv(t testing.TB) *testEnv {
	t.Helper()
	ctx := context.Background()

	recs := recmem.New()
	if err := recs.UpsertCustomer(ctx, &records.Customer{ID: "cust-1", Name: "Jane", Email: "j***@example.com", KYCLevel: "full"}); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	if err := recs.UpsertCard(ctx, &records.Card{ID: "card-1", CustomerID: "cust-1", Last4: "1111", Status: records.CardActive}); err != nil {
		t.Fatalf("seed card: %v", err)
	}
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		err := recs.UpsertTransaction(ctx, &records.Transaction{
			ID:          fmt.Sprintf("txn-%d", i+1),
			CustomerID:  "cust-1",
			MCC:         "5411",
			Merchant:    "Grocer",
			AmountCents: int64(1000 * (i + 1)),
			Currency:    "USD",
			TS:          now.Add(-time.Duration(i) * time.Hour),
			DeviceID:    "dev-1",
			Country:     "US",
		})
		if err != nil {
			t.Fatalf("seed transaction: %v", err)
		}
	}
	if err := recs.UpsertAlert(ctx, &records.Alert{ID: "alert-1", CustomerID: "cust-1", SuspectTxnID: "txn-1", Status: records.AlertOpen, CreatedAt: now}); err != nil {
		t.Fatalf("seed alert: %v", err)
	}
	if err := recs.UpsertKBDoc(ctx, &records.KBDoc{ID: "kb-1", Title: "Dispute basics", Anchor: "disputes", Content: "How dispute cases are opened and tracked."}); err != nil {
		t.Fatalf("seed kb doc: %v", err)
	}

	triStore := trimem.New()
	h := hub.New()
	analyzer := steps.NewAnalyzer(recs)
	engine := triage.NewEngine(triStore, h, analyzer, log.Nop(), triage.EngineConfig{})
	admitter := limiter.New(limiter.NewMemKeyspace(), time.Minute, log.Nop())
	svc := triage.NewService(triStore, recs, engine, h, admitter, log.Nop(), triage.ServiceConfig{StreamRetention: time.Minute})
	gateway := actions.New(recs, log.Nop(), "", actions.Hooks{})

	api := New(log.Nop(), svc, gateway, recs, analyzer, authmw.APIKey(testAPIKey))
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, recs: recs, triage: triStore, svc: svc}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// startRun starts a triage run and waits for it to finish.
func (e *testEnv) startRun(t *testing.T) string {
	t.Helper()
	resp := e.postJSON(t, "/api/v1/triage", map[string]string{"alertId": "alert-1"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start triage status = %d", resp.StatusCode)
	}
	var res struct {
		RunID string `json:"runId"`
	}
	decodeJSON(t, resp, &res)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, ok, err := e.triage.GetRun(context.Background(), res.RunID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if ok && run.Finished() {
			return res.RunID
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", res.RunID)
	return ""
}

func TestStartTriage_MissingAlertID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.postJSON(t, "/api/v1/triage", map[string]string{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["error"] != "alertId_required" {
		t.Errorf("error = %q, want alertId_required", body["error"])
	}
}

func TestStartTriage_UnknownAlert(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.postJSON(t, "/api/v1/triage", map[string]string{"alertId": "nope"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["error"] != "alert_not_found" {
		t.Errorf("error = %q, want alert_not_found", body["error"])
	}
}

func TestStartTriage_RateLimited(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.startRun(t)

	resp := env.postJSON(t, "/api/v1/triage", map[string]string{"alertId": "alert-1"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	var body struct {
		Error        string `json:"error"`
		RetryAfterMs int64  `json:"retryAfterMs"`
	}
	decodeJSON(t, resp, &body)
	if body.Error != "rate_limited" {
		t.Errorf("error = %q, want rate_limited", body.Error)
	}
	if body.RetryAfterMs <= 0 {
		t.Errorf("retryAfterMs = %d, want > 0", body.RetryAfterMs)
	}
}

func TestGetRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	runID := env.startRun(t)

	resp, err := http.Get(env.srv.URL + "/api/v1/runs/" + runID)
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Run   triage.Run           `json:"run"`
		Trace []triage.TraceRecord `json:"trace"`
	}
	decodeJSON(t, resp, &body)
	if body.Run.ID != runID || !body.Run.Finished() {
		t.Errorf("run = %+v", body.Run)
	}
	if len(body.Trace) != 7 {
		t.Errorf("trace count = %d, want 7", len(body.Trace))
	}
	for i, rec := range body.Trace {
		if rec.Seq != i+1 {
			t.Errorf("trace[%d].Seq = %d, want %d", i, rec.Seq, i+1)
		}
	}
}

func TestGetRun_NotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/v1/runs/run_nope")
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamRun_ReplaysHistoryOverSSE(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	runID := env.startRun(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/v1/triage/"+runID+"/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
		if line == "event: decision_finalized" {
			break
		}
	}

	if len(kinds) != 7 {
		t.Fatalf("event kinds = %v, want 7 events", kinds)
	}
	if kinds[0] != "plan_built" {
		t.Errorf("first event = %q, want plan_built", kinds[0])
	}
	if kinds[len(kinds)-1] != "decision_finalized" {
		t.Errorf("last event = %q, want decision_finalized", kinds[len(kinds)-1])
	}
}

func TestListAlerts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/v1/alerts")
	if err != nil {
		t.Fatalf("GET alerts: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Items      []records.Alert `json:"items"`
		NextCursor *string         `json:"nextCursor"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Items) != 1 || body.Items[0].ID != "alert-1" {
		t.Errorf("items = %+v", body.Items)
	}
	if body.NextCursor != nil {
		t.Errorf("nextCursor = %v, want null on a short page", *body.NextCursor)
	}
}

func TestUpdateAlert(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	t.Run("invalid status", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPatch, env.srv.URL+"/api/v1/alerts/alert-1", strings.NewReader(`{"status":"RESOLVED"}`))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PATCH alert: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400 for uppercase status", resp.StatusCode)
		}
	})

	t.Run("unknown alert", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPatch, env.srv.URL+"/api/v1/alerts/nope", strings.NewReader(`{"status":"resolved"}`))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PATCH alert: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("resolve", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPatch, env.srv.URL+"/api/v1/alerts/alert-1", strings.NewReader(`{"status":"resolved"}`))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PATCH alert: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var updated records.Alert
		decodeJSON(t, resp, &updated)
		if updated.Status != records.AlertResolved {
			t.Errorf("status = %q, want resolved", updated.Status)
		}
	})
}

func TestListTransactions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/v1/customers/cust-1/transactions?limit=2")
	if err != nil {
		t.Fatalf("GET transactions: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Items      []records.Transaction `json:"items"`
		NextCursor *string               `json:"nextCursor"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(body.Items))
	}
	if body.Items[0].ID != "txn-1" {
		t.Errorf("first item = %q, want txn-1 (newest first)", body.Items[0].ID)
	}
	if body.NextCursor == nil {
		t.Fatal("expected a nextCursor on a full page")
	}

	resp, err = http.Get(env.srv.URL + "/api/v1/customers/cust-1/transactions?limit=2&cursor=" + *body.NextCursor)
	if err != nil {
		t.Fatalf("GET transactions page 2: %v", err)
	}
	var rest struct {
		Items      []records.Transaction `json:"items"`
		NextCursor *string               `json:"nextCursor"`
	}
	decodeJSON(t, resp, &rest)
	if len(rest.Items) != 1 || rest.Items[0].ID != "txn-3" {
		t.Errorf("page 2 items = %+v, want only txn-3", rest.Items)
	}
}

func TestSearchKB(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/v1/kb/search?q=dispute")
	if err != nil {
		t.Fatalf("GET kb search: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Results []steps.SearchHit `json:"results"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Results) != 1 || body.Results[0].DocID != "kb-1" {
		t.Errorf("results = %+v", body.Results)
	}
}

func TestActions_RequireAPIKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	tests := []struct {
		name      string
		headers   map[string]string
		wantCode  int
		wantError string
	}{
		{"missing key", nil, http.StatusUnauthorized, "missing_api_key"},
		{"wrong key", map[string]string{"X-API-Key": "wrong"}, http.StatusUnauthorized, "invalid_api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.postJSON(t, "/api/v1/action/freeze-card", map[string]string{"cardId": "card-1"}, tt.headers)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			var body map[string]string
			decodeJSON(t, resp, &body)
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestFreezeCardEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	auth := map[string]string{"X-API-Key": testAPIKey}

	t.Run("validation error", func(t *testing.T) {
		resp := env.postJSON(t, "/api/v1/action/freeze-card", map[string]string{}, auth)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
		var body map[string]string
		decodeJSON(t, resp, &body)
		if body["error"] != "cardId_required" {
			t.Errorf("error = %q, want cardId_required", body["error"])
		}
	})

	t.Run("otp mismatch", func(t *testing.T) {
		resp := env.postJSON(t, "/api/v1/action/freeze-card", map[string]string{"cardId": "card-1", "otp": "000000"}, auth)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var body map[string]string
		decodeJSON(t, resp, &body)
		if body["status"] != "PENDING_OTP" {
			t.Errorf("status = %q, want PENDING_OTP", body["status"])
		}
	})

	t.Run("freeze", func(t *testing.T) {
		resp := env.postJSON(t, "/api/v1/action/freeze-card", map[string]string{"cardId": "card-1", "otp": actions.ExpectedOTP}, auth)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var body map[string]string
		decodeJSON(t, resp, &body)
		if body["status"] != "FROZEN" {
			t.Errorf("status = %q, want FROZEN", body["status"])
		}
	})
}

func TestOpenDisputeEndpoint_IdempotentReplay(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	headers := map[string]string{"X-API-Key": testAPIKey, "Idempotency-Key": "idem-http-1"}
	payload := map[string]any{"txnId": "txn-1", "reasonCode": "10.4", "confirm": true}

	read := func(resp *http.Response) string {
		t.Helper()
		defer func() { _ = resp.Body.Close() }()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			t.Fatalf("read body: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body = %s", resp.StatusCode, buf.String())
		}
		return buf.String()
	}

	first := read(env.postJSON(t, "/api/v1/action/open-dispute", payload, headers))
	second := read(env.postJSON(t, "/api/v1/action/open-dispute", payload, headers))

	if first != second {
		t.Errorf("replay body differs:\n%s\n%s", first, second)
	}
	if env.recs.CaseCount() != 1 {
		t.Errorf("case count = %d, want 1", env.recs.CaseCount())
	}
}

// Fuzz

func FuzzStartTriage(f *testing.F) {
	env := newTestEnv(f)

	seeds := []struct {
		body        []byte
		contentType string
	}{
		{nil, ""},
		{[]byte(""), "application/json"},
		{[]byte("{}"), "application/json"},
		{[]byte(`{"alertId":"alert-1"}`), "application/json"},
		{[]byte(`{"alertId":"alert-missing"}`), "application/json"},
		{[]byte("{invalid json"), "application/json"},
		{[]byte("\x00\x01\x02\xff\xfe"), "application/octet-stream"},
		{[]byte("<xml>not json</xml>"), "text/xml"},
		{[]byte(strings.Repeat("a", 10000)), "text/plain"},
	}
	for _, s := range seeds {
		f.Add(s.body, s.contentType)
	}

	f.Fuzz(func(t *testing.T, body []byte, contentType string) {
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/triage", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		// Must not panic the server.
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do request: %v", err)
		}
		_ = resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusBadRequest, http.StatusNotFound, http.StatusTooManyRequests:
		default:
			t.Errorf("POST /api/v1/triage with body len=%d content-type=%q = %d, want 200, 400, 404, or 429",
				len(body), contentType, resp.StatusCode)
		}
	})
}

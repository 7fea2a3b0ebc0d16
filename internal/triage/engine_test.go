package triage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/hub"
	"github.com/linnemanlabs/sentinel/internal/records"
	"github.com/linnemanlabs/sentinel/internal/steps"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu        sync.Mutex
	runs      map[string]*Run
	traces    map[string][]TraceRecord
	createErr error
	traceErr  error
}

func newMockStore() *mockStore {
	return &mockStore{
		runs:   make(map[string]*Run),
		traces: make(map[string][]TraceRecord),
	}
}

func (m *mockStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (m *mockStore) FinishRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockStore) AppendTrace(_ context.Context, rec *TraceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.traceErr != nil {
		return m.traceErr
	}
	m.traces[rec.RunID] = append(m.traces[rec.RunID], *rec)
	return nil
}

func (m *mockStore) ListTraces(_ context.Context, runID string) ([]TraceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TraceRecord, len(m.traces[runID]))
	copy(out, m.traces[runID])
	return out, nil
}

// mockToolset scripts each analytic step.
type mockToolset struct {
	profileFn  func(ctx context.Context) (*steps.Profile, error)
	insightsFn func(ctx context.Context) (*steps.Insights, error)
	windowFn   func(ctx context.Context) ([]records.Transaction, error)
	riskFn     func(ctx context.Context) (*steps.Risk, error)
	lookupFn   func(ctx context.Context) ([]steps.KBHit, error)
}

func (m *mockToolset) Profile(ctx context.Context, _ string) (*steps.Profile, error) {
	return m.profileFn(ctx)
}

func (m *mockToolset) Insights(ctx context.Context, _ string, _ int) (*steps.Insights, error) {
	return m.insightsFn(ctx)
}

func (m *mockToolset) Window(ctx context.Context, _ string, _ int) ([]records.Transaction, error) {
	return m.windowFn(ctx)
}

func (m *mockToolset) Risk(ctx context.Context, _ string, _ []records.Transaction) (*steps.Risk, error) {
	return m.riskFn(ctx)
}

func (m *mockToolset) Lookup(ctx context.Context, _ string) ([]steps.KBHit, error) {
	return m.lookupFn(ctx)
}

// healthyToolset returns a toolset whose risk step yields the given score.
func healthyToolset(score float64, reasons []string) *mockToolset {
	return &mockToolset{
		profileFn: func(context.Context) (*steps.Profile, error) {
			return &steps.Profile{CustomerID: "cust-1", Name: "Jane"}, nil
		},
		insightsFn: func(context.Context) (*steps.Insights, error) {
			return &steps.Insights{Summary: "ok"}, nil
		},
		windowFn: func(context.Context) ([]records.Transaction, error) {
			return []records.Transaction{{ID: "txn-1", CustomerID: "cust-1"}}, nil
		},
		riskFn: func(context.Context) (*steps.Risk, error) {
			return &steps.Risk{Score: score, Reasons: reasons}, nil
		},
		lookupFn: func(context.Context) ([]steps.KBHit, error) {
			return []steps.KBHit{{Title: "Doc"}}, nil
		},
	}
}

func newTestRun() *Run {
	return &Run{ID: "run_test", AlertID: "alert-1", CustomerID: "cust-1", StartedAt: time.Now().UTC()}
}

func TestExecute_HealthyRun(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	h := hub.New()
	run := newTestRun()
	h.Create(run.ID)

	e := NewEngine(store, h, healthyToolset(0.85, []string{"high_amount"}), log.Nop(), EngineConfig{})
	d := e.Execute(context.Background(), run, &records.Alert{ID: "alert-1", CustomerID: "cust-1", SuspectTxnID: "txn-1"})

	if d.Recommended != ActionFreezeCard || d.Risk != RiskHigh {
		t.Errorf("decision = %+v, want FREEZE_CARD/HIGH", d)
	}
	if run.FallbackUsed {
		t.Error("healthy run should not set FallbackUsed")
	}
	if !run.Finished() {
		t.Error("run should be finalized")
	}
	if run.Risk != RiskHigh {
		t.Errorf("run.Risk = %q, want HIGH", run.Risk)
	}

	stored, ok, _ := store.GetRun(context.Background(), run.ID)
	if !ok || !stored.Finished() {
		t.Fatal("finalized run not persisted")
	}
}

func TestExecute_TraceSequenceIsGapless(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	h := hub.New()
	run := newTestRun()
	h.Create(run.ID)

	e := NewEngine(store, h, healthyToolset(0.5, nil), log.Nop(), EngineConfig{})
	e.Execute(context.Background(), run, &records.Alert{ID: "alert-1", SuspectTxnID: "txn-1"})

	traces, _ := store.ListTraces(context.Background(), run.ID)
	// plan_built + 5 steps + decision_finalized
	if len(traces) != 7 {
		t.Fatalf("trace count = %d, want 7", len(traces))
	}
	for i, rec := range traces {
		if rec.Seq != i+1 {
			t.Errorf("trace[%d].Seq = %d, want %d", i, rec.Seq, i+1)
		}
		if !rec.OK {
			t.Errorf("trace[%d].OK = false, want true", i)
		}
	}
	wantSteps := []string{"plan_built", "getProfile", "recentTx", "riskSignals", "kbLookup", "decide", "decision_finalized"}
	for i, want := range wantSteps {
		if traces[i].Step != want {
			t.Errorf("trace[%d].Step = %q, want %q", i, traces[i].Step, want)
		}
	}
}

func TestExecute_PublishesEventsInOrder(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	h := hub.New()
	run := newTestRun()
	h.Create(run.ID)

	e := NewEngine(store, h, healthyToolset(0.2, nil), log.Nop(), EngineConfig{})
	e.Execute(context.Background(), run, &records.Alert{ID: "alert-1", SuspectTxnID: "txn-1"})

	history := h.History(run.ID)
	if len(history) != 7 {
		t.Fatalf("event count = %d, want 7", len(history))
	}
	if history[0].Kind != EventPlanBuilt {
		t.Errorf("first event = %q, want %q", history[0].Kind, EventPlanBuilt)
	}
	for _, ev := range history[1:6] {
		if ev.Kind != EventToolUpdate {
			t.Errorf("middle event = %q, want %q", ev.Kind, EventToolUpdate)
		}
	}
	if history[6].Kind != EventDecisionFinalized {
		t.Errorf("last event = %q, want %q", history[6].Kind, EventDecisionFinalized)
	}
}

func TestExecute_RiskFallback(t *testing.T) {
	t.Parallel()

	ts := healthyToolset(0, nil)
	ts.riskFn = func(context.Context) (*steps.Risk, error) {
		return nil, errors.New("risk store down")
	}

	store := newMockStore()
	h := hub.New()
	run := newTestRun()
	h.Create(run.ID)

	e := NewEngine(store, h, ts, log.Nop(), EngineConfig{})
	d := e.Execute(context.Background(), run, &records.Alert{ID: "alert-1", SuspectTxnID: "txn-1"})

	// Fallback risk is 0.4 with reason risk_unavailable.
	if d.Recommended != ActionContactCustomer || d.Risk != RiskMedium {
		t.Errorf("decision = %+v, want CONTACT_CUSTOMER/MEDIUM", d)
	}
	if len(d.Reasons) != 1 || d.Reasons[0] != "risk_unavailable" {
		t.Errorf("reasons = %v, want [risk_unavailable]", d.Reasons)
	}
	if !run.FallbackUsed {
		t.Error("FallbackUsed should be set after a fallback")
	}

	traces, _ := store.ListTraces(context.Background(), run.ID)
	found := false
	for _, rec := range traces {
		if rec.Step == "fallback_riskSignals" {
			found = true
		}
	}
	if !found {
		t.Error("expected a fallback_riskSignals trace entry")
	}

	var sawFallbackEvent bool
	for _, ev := range h.History(run.ID) {
		if ev.Kind == EventFallbackTriggered {
			sawFallbackEvent = true
		}
	}
	if !sawFallbackEvent {
		t.Error("expected a fallback_triggered event")
	}
}

func TestExecute_AllStepsFailStillFinalizes(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ts := &mockToolset{
		profileFn:  func(context.Context) (*steps.Profile, error) { return nil, boom },
		insightsFn: func(context.Context) (*steps.Insights, error) { return nil, boom },
		windowFn:   func(context.Context) ([]records.Transaction, error) { return nil, boom },
		riskFn:     func(context.Context) (*steps.Risk, error) { return nil, boom },
		lookupFn:   func(context.Context) ([]steps.KBHit, error) { return nil, boom },
	}

	store := newMockStore()
	h := hub.New()
	run := newTestRun()
	h.Create(run.ID)

	e := NewEngine(store, h, ts, log.Nop(), EngineConfig{})
	d := e.Execute(context.Background(), run, &records.Alert{ID: "alert-1"})

	if !run.Finished() {
		t.Fatal("run must always reach a decision")
	}
	if !run.FallbackUsed {
		t.Error("FallbackUsed should be set")
	}
	// Fallback risk 0.4 maps to CONTACT_CUSTOMER/MEDIUM.
	if d.Recommended != ActionContactCustomer || d.Risk != RiskMedium {
		t.Errorf("decision = %+v, want CONTACT_CUSTOMER/MEDIUM", d)
	}
}

func TestExecute_StepDeadlineTriggersFallback(t *testing.T) {
	t.Parallel()

	ts := healthyToolset(0.9, nil)
	ts.profileFn = func(ctx context.Context) (*steps.Profile, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &steps.Profile{}, nil
		}
	}

	store := newMockStore()
	h := hub.New()
	run := newTestRun()
	h.Create(run.ID)

	e := NewEngine(store, h, ts, log.Nop(), EngineConfig{StepDeadline: 20 * time.Millisecond})

	start := time.Now()
	e.Execute(context.Background(), run, &records.Alert{ID: "alert-1", SuspectTxnID: "txn-1"})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("run took %s, deadline did not bound the slow step", elapsed)
	}
	if !run.FallbackUsed {
		t.Error("slow step should have fallen back")
	}
}

func TestExecute_HooksObserveStepsAndFinish(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		stepNames []string
		fellBack  int
		finished  *Run
	)
	hooks := EngineHooks{
		OnStep: func(step string, _ time.Duration, fb bool) {
			mu.Lock()
			defer mu.Unlock()
			stepNames = append(stepNames, step)
			if fb {
				fellBack++
			}
		},
		OnFinish: func(run *Run) {
			mu.Lock()
			defer mu.Unlock()
			finished = run
		},
	}

	ts := healthyToolset(0.3, nil)
	ts.lookupFn = func(context.Context) ([]steps.KBHit, error) { return nil, errors.New("kb down") }

	store := newMockStore()
	h := hub.New()
	run := newTestRun()
	h.Create(run.ID)

	e := NewEngine(store, h, ts, log.Nop(), EngineConfig{Hooks: hooks})
	e.Execute(context.Background(), run, &records.Alert{ID: "alert-1", SuspectTxnID: "txn-1"})

	mu.Lock()
	defer mu.Unlock()
	if len(stepNames) != 5 {
		t.Errorf("OnStep calls = %d, want 5", len(stepNames))
	}
	if fellBack != 1 {
		t.Errorf("fellBack count = %d, want 1", fellBack)
	}
	if finished == nil || finished.ID != run.ID {
		t.Error("OnFinish did not receive the run")
	}
}

func TestExecute_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ts := healthyToolset(0.85, []string{"high_amount"})
	ts.lookupFn = func(context.Context) ([]steps.KBHit, error) { return nil, errors.New("kb down") }

	store := newMockStore()
	h := hub.New()
	run := newTestRun()
	h.Create(run.ID)

	e := NewEngine(store, h, ts, log.Nop(), EngineConfig{})
	e.Execute(context.Background(), run, &records.Alert{ID: "alert-1", SuspectTxnID: "txn-1"})

	spans := exporter.GetSpans()
	counts := make(map[string]int)
	for _, s := range spans {
		counts[s.Name]++
	}
	if counts["triage.step"] != 5 {
		t.Errorf("triage.step spans = %d, want 5", counts["triage.step"])
	}
	if counts["triage.run"] != 1 {
		t.Errorf("triage.run spans = %d, want 1", counts["triage.run"])
	}

	var fellBack int
	for _, s := range spans {
		if s.Name != "triage.step" {
			continue
		}
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if attrs["triage.run.id"] != run.ID {
			t.Errorf("step span run id = %v, want %s", attrs["triage.run.id"], run.ID)
		}
		if fb, ok := attrs["triage.step.fallback"].(bool); ok && fb {
			fellBack++
		}
	}
	if fellBack != 1 {
		t.Errorf("fallback step spans = %d, want 1", fellBack)
	}

	for _, s := range spans {
		if s.Name != "triage.run" {
			continue
		}
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if attrs["triage.risk"] != string(RiskHigh) {
			t.Errorf("run span risk = %v, want HIGH", attrs["triage.risk"])
		}
		if attrs["triage.fallback_used"] != true {
			t.Error("run span should record fallback_used=true")
		}
	}
}

func TestExecute_TraceWriteFailureDoesNotAbortRun(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.traceErr = errors.New("trace table gone")
	h := hub.New()
	run := newTestRun()
	h.Create(run.ID)

	e := NewEngine(store, h, healthyToolset(0.1, nil), log.Nop(), EngineConfig{})
	d := e.Execute(context.Background(), run, &records.Alert{ID: "alert-1", SuspectTxnID: "txn-1"})

	if !run.Finished() {
		t.Fatal("run should finalize despite trace write failures")
	}
	if d.Recommended != ActionMonitor {
		t.Errorf("decision = %+v, want MONITOR", d)
	}
}

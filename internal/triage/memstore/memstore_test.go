package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinel/internal/triage"
)

func TestCreateAndGetRun(t *testing.T) {
	t.Parallel()

	s := New()
	run := &triage.Run{ID: "run_1", AlertID: "alert-1", CustomerID: "cust-1", StartedAt: time.Now().UTC()}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, ok, err := s.GetRun(context.Background(), "run_1")
	if err != nil || !ok {
		t.Fatalf("GetRun = (%v, %v, %v)", got, ok, err)
	}
	if got.AlertID != "alert-1" {
		t.Errorf("AlertID = %q, want alert-1", got.AlertID)
	}

	// Mutating the returned copy must not affect the stored run.
	got.AlertID = "tampered"
	again, _, _ := s.GetRun(context.Background(), "run_1")
	if again.AlertID != "alert-1" {
		t.Error("GetRun must return a copy")
	}
}

func TestCreateRun_DuplicateID(t *testing.T) {
	t.Parallel()

	s := New()
	run := &triage.Run{ID: "run_1"}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(context.Background(), run); err == nil {
		t.Fatal("expected error for duplicate run ID")
	}
}

func TestGetRun_Missing(t *testing.T) {
	t.Parallel()

	s := New()
	run, ok, err := s.GetRun(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if ok || run != nil {
		t.Error("missing run should be (nil, false, nil)")
	}
}

func TestFinishRun(t *testing.T) {
	t.Parallel()

	s := New()
	run := &triage.Run{ID: "run_1", StartedAt: time.Now().UTC()}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	ended := time.Now().UTC()
	run.EndedAt = &ended
	run.Risk = triage.RiskHigh
	run.Reasons = []string{"high_amount"}
	run.FallbackUsed = true
	run.LatencyMs = 1234
	if err := s.FinishRun(context.Background(), run); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, _, _ := s.GetRun(context.Background(), "run_1")
	if !got.Finished() || got.Risk != triage.RiskHigh || got.LatencyMs != 1234 {
		t.Errorf("finished run = %+v", got)
	}
}

func TestFinishRun_Missing(t *testing.T) {
	t.Parallel()

	s := New()
	if err := s.FinishRun(context.Background(), &triage.Run{ID: "nope"}); err == nil {
		t.Fatal("expected error finishing unknown run")
	}
}

func TestTraces_OrderedBySeq(t *testing.T) {
	t.Parallel()

	s := New()
	for _, seq := range []int{2, 1, 3} {
		err := s.AppendTrace(context.Background(), &triage.TraceRecord{RunID: "run_1", Seq: seq, Step: "s", OK: true})
		if err != nil {
			t.Fatalf("AppendTrace: %v", err)
		}
	}

	traces, err := s.ListTraces(context.Background(), "run_1")
	if err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	if len(traces) != 3 {
		t.Fatalf("trace count = %d, want 3", len(traces))
	}
	for i, rec := range traces {
		if rec.Seq != i+1 {
			t.Errorf("traces[%d].Seq = %d, want %d", i, rec.Seq, i+1)
		}
	}
}

func TestListTraces_EmptyRun(t *testing.T) {
	t.Parallel()

	s := New()
	traces, err := s.ListTraces(context.Background(), "nope")
	if err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	if len(traces) != 0 {
		t.Errorf("trace count = %d, want 0", len(traces))
	}
}

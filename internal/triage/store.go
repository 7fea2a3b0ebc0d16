package triage

import "context"

// Store persists triage runs and their audit traces.
type Store interface {
	// CreateRun inserts a new run.
	CreateRun(ctx context.Context, run *Run) error
	// GetRun retrieves a run by ID. A missing run is (nil, false, nil).
	GetRun(ctx context.Context, id string) (*Run, bool, error)
	// FinishRun writes the run's completion fields (end time, risk,
	// reasons, fallback flag, latency).
	FinishRun(ctx context.Context, run *Run) error
	// AppendTrace appends one audit entry to the run's trail.
	AppendTrace(ctx context.Context, rec *TraceRecord) error
	// ListTraces returns the run's audit trail ordered by seq.
	ListTraces(ctx context.Context, runID string) ([]TraceRecord, error)
}

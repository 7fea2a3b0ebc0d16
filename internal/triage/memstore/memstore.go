// Package memstore provides an in-memory triage.Store used in tests and
// when the server runs without Postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/linnemanlabs/sentinel/internal/triage"
)

// Store is an in-memory implementation of triage.Store. Values are
// copied on the way in and out.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]triage.Run
	traces map[string][]triage.TraceRecord
}

var _ triage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		runs:   make(map[string]triage.Run),
		traces: make(map[string][]triage.TraceRecord),
	}
}

func (s *Store) CreateRun(_ context.Context, run *triage.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("memstore: run %q already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*triage.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	out := cloneRun(&run)
	return &out, true, nil
}

func (s *Store) FinishRun(_ context.Context, run *triage.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return fmt.Errorf("memstore: run %q not found", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *Store) AppendTrace(_ context.Context, rec *triage.TraceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[rec.RunID] = append(s.traces[rec.RunID], *rec)
	return nil
}

func (s *Store) ListTraces(_ context.Context, runID string) ([]triage.TraceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.traces[runID]
	out := make([]triage.TraceRecord, len(recs))
	copy(out, recs)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func cloneRun(run *triage.Run) triage.Run {
	out := *run
	if run.EndedAt != nil {
		ended := *run.EndedAt
		out.EndedAt = &ended
	}
	if run.Reasons != nil {
		out.Reasons = make([]string, len(run.Reasons))
		copy(out.Reasons, run.Reasons)
	}
	return out
}

package triage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sentinel/internal/hub"
	"github.com/linnemanlabs/sentinel/internal/limiter"
	"github.com/linnemanlabs/sentinel/internal/records"
)

// DefaultStreamRetention is how long a finished run's event channel
// stays available for late subscribers before it is evicted.
const DefaultStreamRetention = 15 * time.Minute

// ErrAlertNotFound is returned by Start when the alert does not exist.
var ErrAlertNotFound = xerrors.New("alert not found")

// RateLimitedError is returned by Start when the admission limiter
// refuses the alert. RetryAfter is the remaining cooldown.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("triage already requested, retry in %s", e.RetryAfter)
}

// Admitter gates triage starts per alert.
type Admitter interface {
	TryAdmit(ctx context.Context, alertID string) limiter.Admission
}

// AlertSource resolves the alert a triage run is started for.
type AlertSource interface {
	GetAlert(ctx context.Context, id string) (*records.Alert, bool, error)
}

// Notifier is told about finalized high-risk runs.
type Notifier interface {
	Send(ctx context.Context, run *Run, d Decision) error
}

// StartResult is the acknowledgement returned by Start. The run itself
// proceeds asynchronously.
type StartResult struct {
	RunID   string `json:"runId"`
	AlertID string `json:"alertId"`
}

// Service owns the triage run lifecycle: admission, run creation,
// channel setup, asynchronous execution, and retention of finished
// streams.
type Service struct {
	store     Store
	alerts    AlertSource
	engine    *Engine
	hub       *hub.Hub
	admitter  Admitter
	notifier  Notifier
	logger    log.Logger
	retention time.Duration

	wg sync.WaitGroup
}

// ServiceConfig tunes a Service. Zero values select the defaults.
type ServiceConfig struct {
	// StreamRetention overrides DefaultStreamRetention.
	StreamRetention time.Duration
	// Notifier, when set, receives finalized high-risk runs.
	Notifier Notifier
}

// NewService wires a Service.
func NewService(store Store, alerts AlertSource, engine *Engine, h *hub.Hub, admitter Admitter, logger log.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.StreamRetention <= 0 {
		cfg.StreamRetention = DefaultStreamRetention
	}
	return &Service{
		store:     store,
		alerts:    alerts,
		engine:    engine,
		hub:       h,
		admitter:  admitter,
		notifier:  cfg.Notifier,
		logger:    logger,
		retention: cfg.StreamRetention,
	}
}

// Start admits, creates, and dispatches a triage run for alertID. It
// returns as soon as the run is created; execution continues in the
// background and is observable via Subscribe.
//
// Errors: ErrAlertNotFound, *RateLimitedError, or a storage failure.
func (s *Service) Start(ctx context.Context, alertID string) (*StartResult, error) {
	al, ok, err := s.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	if !ok {
		return nil, ErrAlertNotFound
	}

	adm := s.admitter.TryAdmit(ctx, alertID)
	if !adm.Admitted {
		return nil, &RateLimitedError{RetryAfter: adm.RetryAfter}
	}

	run := &Run{
		ID:         "run_" + ulid.Make().String(),
		AlertID:    al.ID,
		CustomerID: al.CustomerID,
		StartedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	s.hub.Create(run.ID)

	s.wg.Add(1)
	go s.execute(context.WithoutCancel(ctx), run, al)

	s.logger.Info(ctx, "triage run started", "run_id", run.ID, "alert_id", al.ID)
	return &StartResult{RunID: run.ID, AlertID: al.ID}, nil
}

func (s *Service) execute(ctx context.Context, run *Run, al *records.Alert) {
	defer s.wg.Done()

	decision := s.engine.Execute(ctx, run, al)

	if s.notifier != nil && decision.Risk == RiskHigh {
		if err := s.notifier.Send(ctx, run, decision); err != nil {
			s.logger.Warn(ctx, "decision notification failed", "run_id", run.ID, "error", err.Error())
		}
	}

	// Keep the stream around for late subscribers, then evict.
	time.AfterFunc(s.retention, func() { s.hub.Remove(run.ID) })
}

// GetRun retrieves a run by ID.
func (s *Service) GetRun(ctx context.Context, id string) (*Run, bool, error) {
	return s.store.GetRun(ctx, id)
}

// ListTraces returns a run's audit trail ordered by seq.
func (s *Service) ListTraces(ctx context.Context, runID string) ([]TraceRecord, error) {
	return s.store.ListTraces(ctx, runID)
}

// Subscribe attaches to a run's event stream. See hub.Hub.Subscribe.
func (s *Service) Subscribe(runID string) (history []hub.Event, live <-chan hub.Event, cancel func()) {
	return s.hub.Subscribe(runID)
}

// Drain waits for in-flight runs to finish or ctx to expire.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package triage

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/hub"
	"github.com/linnemanlabs/sentinel/internal/records"
	"github.com/linnemanlabs/sentinel/internal/steps"
)

// DefaultWindowDays is the lookback window for the transaction-driven
// steps.
const DefaultWindowDays = 90

// TotalBudget is the advisory wall-clock budget for a whole run. It is
// observed, not enforced: per-step deadlines bound the worst case at
// plan length times the step deadline.
const TotalBudget = 5000 * time.Millisecond

// Toolset is the set of analytic functions the plan invokes. Each one
// may be slow or fail; the engine wraps every call in a deadline and a
// fallback.
type Toolset interface {
	Profile(ctx context.Context, customerID string) (*steps.Profile, error)
	Insights(ctx context.Context, customerID string, days int) (*steps.Insights, error)
	Window(ctx context.Context, customerID string, days int) ([]records.Transaction, error)
	Risk(ctx context.Context, suspectTxnID string, window []records.Transaction) (*steps.Risk, error)
	Lookup(ctx context.Context, query string) ([]steps.KBHit, error)
}

// Engine executes the fixed triage plan for one run at a time. It is
// stateless across runs and safe for concurrent use.
type Engine struct {
	store        Store
	hub          *hub.Hub
	tools        Toolset
	logger       log.Logger
	stepDeadline time.Duration
	windowDays   int
	hooks        EngineHooks
}

// EngineConfig tunes an Engine. Zero values select the defaults.
type EngineConfig struct {
	StepDeadline time.Duration
	WindowDays   int
	Hooks        EngineHooks
}

// NewEngine creates an Engine over the given store, event hub, and
// toolset.
func NewEngine(store Store, h *hub.Hub, tools Toolset, logger log.Logger, cfg EngineConfig) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.StepDeadline <= 0 {
		cfg.StepDeadline = DefaultStepDeadline
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultWindowDays
	}
	return &Engine{
		store:        store,
		hub:          h,
		tools:        tools,
		logger:       logger,
		stepDeadline: cfg.StepDeadline,
		windowDays:   cfg.WindowDays,
		hooks:        cfg.Hooks,
	}
}

// Execute drives the plan for run and finalizes it. It never fails
// outright: every step failure degrades to a fallback value and the run
// always reaches a decision. The returned decision matches the run's
// final fields.
func (e *Engine) Execute(ctx context.Context, run *Run, alert *records.Alert) Decision {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "triage.run", trace.WithAttributes(
		attribute.String("triage.run.id", run.ID),
		attribute.String("triage.alert.id", run.AlertID),
	))
	defer span.End()

	r := &runner{
		runID:    run.ID,
		store:    e.store,
		hub:      e.hub,
		logger:   e.logger,
		deadline: e.stepDeadline,
		hooks:    e.hooks,
	}

	r.publish(EventPlanBuilt, map[string]any{"plan": Plan})
	r.trace(ctx, EventPlanBuilt, 0, map[string]any{"plan": Plan})

	runStep(ctx, r, "getProfile",
		func(ctx context.Context) (*steps.Profile, error) {
			return e.tools.Profile(ctx, run.CustomerID)
		},
		func() *steps.Profile { return nil },
	)

	runStep(ctx, r, "recentTx",
		func(ctx context.Context) (*steps.Insights, error) {
			return e.tools.Insights(ctx, run.CustomerID, e.windowDays)
		},
		func() *steps.Insights { return nil },
	)

	// Raw window read for risk scoring, independent of the analytics
	// step's own fetch. An empty window is tolerated downstream.
	window, err := e.tools.Window(ctx, run.CustomerID, e.windowDays)
	if err != nil {
		e.logger.Warn(ctx, "transaction window unavailable", "run_id", run.ID, "error", err.Error())
		window = nil
	}

	risk := runStep(ctx, r, "riskSignals",
		func(ctx context.Context) (*steps.Risk, error) {
			return e.tools.Risk(ctx, alert.SuspectTxnID, window)
		},
		func() *steps.Risk {
			return &steps.Risk{Score: 0.4, Reasons: []string{"risk_unavailable"}}
		},
	)

	runStep(ctx, r, "kbLookup",
		func(ctx context.Context) ([]steps.KBHit, error) {
			var query string
			if risk != nil {
				query = strings.Join(risk.Reasons, " ")
			}
			return e.tools.Lookup(ctx, query)
		},
		func() []steps.KBHit { return []steps.KBHit{} },
	)

	decision := runStep(ctx, r, "decide",
		func(context.Context) (Decision, error) {
			var (
				score   float64
				reasons []string
			)
			if risk != nil {
				score, reasons = risk.Score, risk.Reasons
			}
			return Decide(score, reasons), nil
		},
		func() Decision {
			return Decision{Recommended: ActionMonitor, Risk: RiskMedium, Reasons: []string{"fallback_used"}}
		},
	)

	r.publish(EventDecisionFinalized, decision)
	r.trace(ctx, EventDecisionFinalized, 0, decision)

	ended := time.Now().UTC()
	run.EndedAt = &ended
	run.Risk = decision.Risk
	run.Reasons = decision.Reasons
	run.FallbackUsed = r.fallbackUsed
	run.LatencyMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.String("triage.risk", string(decision.Risk)),
		attribute.String("triage.recommended", string(decision.Recommended)),
		attribute.Bool("triage.fallback_used", run.FallbackUsed),
	)

	if err := e.store.FinishRun(ctx, run); err != nil {
		e.logger.Error(ctx, err, "finalize run", "run_id", run.ID)
	}
	if e.hooks.OnFinish != nil {
		e.hooks.OnFinish(run)
	}
	if run.LatencyMs > TotalBudget.Milliseconds() {
		e.logger.Warn(ctx, "run exceeded total budget",
			"run_id", run.ID, "latency_ms", run.LatencyMs, "budget_ms", TotalBudget.Milliseconds())
	}

	return decision
}

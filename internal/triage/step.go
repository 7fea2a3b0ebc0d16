package triage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/hub"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/triage")

// DefaultStepDeadline bounds a single plan step. A step that exceeds it
// is abandoned and its fallback value is used; the step's goroutine may
// still be draining, so step functions must honor context cancellation.
const DefaultStepDeadline = 1000 * time.Millisecond

// EngineHooks lets callers observe step and run outcomes without the
// engine depending on a metrics backend.
type EngineHooks struct {
	OnStep   func(step string, d time.Duration, fellBack bool)
	OnFinish func(run *Run)
}

// runner executes the plan steps of one run. It owns the run's trace
// sequence and event stream; it is used by a single goroutine.
type runner struct {
	runID        string
	store        Store
	hub          *hub.Hub
	logger       log.Logger
	deadline     time.Duration
	hooks        EngineHooks
	seq          int
	fallbackUsed bool
}

type stepOutcome[T any] struct {
	value T
	err   error
}

// runStep invokes work under the runner's per-step deadline. On success
// it appends a trace record and publishes a tool_update event. On error
// or deadline it swallows the failure, publishes fallback_triggered,
// traces the fallback value under "fallback_<name>", and returns
// fallback(). A step never propagates an error to the plan.
func runStep[T any](ctx context.Context, r *runner, name string, work func(context.Context) (T, error), fallback func() T) T {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "triage.step", trace.WithAttributes(
		attribute.String("triage.step.name", name),
		attribute.String("triage.run.id", r.runID),
	))
	defer span.End()

	stepCtx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	done := make(chan stepOutcome[T], 1)
	go func() {
		v, err := work(stepCtx)
		done <- stepOutcome[T]{value: v, err: err}
	}()

	var (
		out     T
		failure error
	)
	select {
	case res := <-done:
		out, failure = res.value, res.err
	case <-stepCtx.Done():
		failure = fmt.Errorf("deadline exceeded after %s", r.deadline)
	}
	elapsed := time.Since(start)

	if failure == nil {
		span.SetAttributes(attribute.Bool("triage.step.fallback", false))
		r.trace(ctx, name, elapsed, out)
		r.publish(EventToolUpdate, map[string]any{
			"tool":       name,
			"ok":         true,
			"durationMs": elapsed.Milliseconds(),
		})
		if r.hooks.OnStep != nil {
			r.hooks.OnStep(name, elapsed, false)
		}
		return out
	}

	r.logger.Warn(ctx, "triage step fell back",
		"run_id", r.runID, "step", name, "reason", failure.Error())

	span.SetAttributes(attribute.Bool("triage.step.fallback", true))
	span.RecordError(failure)
	span.SetStatus(codes.Error, failure.Error())

	out = fallback()
	r.fallbackUsed = true
	r.publish(EventFallbackTriggered, map[string]any{
		"tool":   name,
		"reason": failure.Error(),
	})
	r.trace(ctx, "fallback_"+name, elapsed, out)
	if r.hooks.OnStep != nil {
		r.hooks.OnStep(name, elapsed, true)
	}
	return out
}

// trace appends the next audit entry. Trace writes must not abort the
// run; failures are logged and the sequence keeps advancing.
func (r *runner) trace(ctx context.Context, step string, d time.Duration, detail any) {
	r.seq++
	rec := &TraceRecord{
		RunID:      r.runID,
		Seq:        r.seq,
		Step:       step,
		OK:         true,
		DurationMs: d.Milliseconds(),
		Detail:     Redact(detail),
	}
	if err := r.store.AppendTrace(ctx, rec); err != nil {
		r.logger.Error(ctx, err, "append trace", "run_id", r.runID, "step", step, "seq", r.seq)
	}
}

func (r *runner) publish(kind string, data any) {
	r.hub.Publish(r.runID, hub.Event{
		Kind: kind,
		TS:   time.Now().UTC(),
		Data: Redact(data),
	})
}

// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinel/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists triage runs and audit traces in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ triage.Store = (*Store)(nil)

// New applies the schema and returns a ready Store. The pool is owned by
// the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *Store) CreateRun(ctx context.Context, run *triage.Run) error {
	ctx, span := startSpan(ctx, "pgstore.CreateRun", "INSERT")
	defer span.End()

	reasons, err := json.Marshal(run.Reasons)
	if err != nil {
		return fail(span, fmt.Errorf("marshal reasons: %w", err))
	}
	if run.Reasons == nil {
		reasons = []byte("[]")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO triage_runs (id, alert_id, customer_id, started_at, ended_at, risk, reasons, fallback_used, latency_ms)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`,
		run.ID, run.AlertID, run.CustomerID, run.StartedAt, run.EndedAt,
		string(run.Risk), reasons, run.FallbackUsed, run.LatencyMs,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert run: %w", err))
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*triage.Run, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetRun", "SELECT")
	defer span.End()

	var (
		run     triage.Run
		risk    *string
		reasons []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, alert_id, customer_id, started_at, ended_at, risk, reasons, fallback_used, latency_ms
		 FROM triage_runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.AlertID, &run.CustomerID, &run.StartedAt, &run.EndedAt,
		&risk, &reasons, &run.FallbackUsed, &run.LatencyMs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan run: %w", err))
	}

	if risk != nil {
		run.Risk = triage.RiskLevel(*risk)
	}
	if err := json.Unmarshal(reasons, &run.Reasons); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal reasons: %w", err))
	}
	return &run, true, nil
}

func (s *Store) FinishRun(ctx context.Context, run *triage.Run) error {
	ctx, span := startSpan(ctx, "pgstore.FinishRun", "UPDATE")
	defer span.End()

	reasons, err := json.Marshal(run.Reasons)
	if err != nil {
		return fail(span, fmt.Errorf("marshal reasons: %w", err))
	}
	if run.Reasons == nil {
		reasons = []byte("[]")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE triage_runs
		 SET ended_at = $2, risk = NULLIF($3, ''), reasons = $4, fallback_used = $5, latency_ms = $6
		 WHERE id = $1`,
		run.ID, run.EndedAt, string(run.Risk), reasons, run.FallbackUsed, run.LatencyMs,
	)
	if err != nil {
		return fail(span, fmt.Errorf("update run: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("run %q not found", run.ID))
	}
	return nil
}

func (s *Store) AppendTrace(ctx context.Context, rec *triage.TraceRecord) error {
	ctx, span := startSpan(ctx, "pgstore.AppendTrace", "INSERT")
	defer span.End()

	detail := rec.Detail
	if len(detail) == 0 {
		detail = json.RawMessage("null")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_traces (run_id, seq, step, ok, duration_ms, detail)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.RunID, rec.Seq, rec.Step, rec.OK, rec.DurationMs, detail,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert trace: %w", err))
	}
	return nil
}

func (s *Store) ListTraces(ctx context.Context, runID string) ([]triage.TraceRecord, error) {
	ctx, span := startSpan(ctx, "pgstore.ListTraces", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT run_id, seq, step, ok, duration_ms, detail
		 FROM agent_traces WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query traces: %w", err))
	}
	defer rows.Close()

	var out []triage.TraceRecord
	for rows.Next() {
		var (
			rec    triage.TraceRecord
			detail []byte
		)
		if err := rows.Scan(&rec.RunID, &rec.Seq, &rec.Step, &rec.OK, &rec.DurationMs, &detail); err != nil {
			return nil, fail(span, fmt.Errorf("scan trace: %w", err))
		}
		rec.Detail = json.RawMessage(detail)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate traces: %w", err))
	}
	return out, nil
}

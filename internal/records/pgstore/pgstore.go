// Package pgstore provides a PostgreSQL implementation of records.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinel/internal/records"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/records/pgstore")

//go:embed schema.sql
var schema string

// Store persists customer, card, transaction, alert, case, and
// knowledge-base records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ records.Store = (*Store)(nil)

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

func (s *Store) GetCustomer(ctx context.Context, id string) (*records.Customer, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetCustomer", "SELECT")
	defer span.End()

	var c records.Customer
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, kyc_level, created_at FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Email, &c.KYCLevel, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan customer: %w", err))
	}
	return &c, true, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, c *records.Customer) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertCustomer", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO customers (id, name, email, kyc_level, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     name      = EXCLUDED.name,
		     email     = EXCLUDED.email,
		     kyc_level = EXCLUDED.kyc_level`,
		c.ID, c.Name, c.Email, c.KYCLevel, c.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert customer: %w", err))
	}
	return nil
}

func (s *Store) GetCard(ctx context.Context, id string) (*records.Card, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetCard", "SELECT")
	defer span.End()

	var (
		c      records.Card
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, customer_id, last4, network, status, created_at FROM cards WHERE id = $1`, id,
	).Scan(&c.ID, &c.CustomerID, &c.Last4, &c.Network, &status, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan card: %w", err))
	}
	c.Status = records.CardStatus(status)
	return &c, true, nil
}

func (s *Store) UpsertCard(ctx context.Context, c *records.Card) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertCard", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO cards (id, customer_id, last4, network, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		     customer_id = EXCLUDED.customer_id,
		     last4       = EXCLUDED.last4,
		     network     = EXCLUDED.network,
		     status      = EXCLUDED.status`,
		c.ID, c.CustomerID, c.Last4, c.Network, string(c.Status), c.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert card: %w", err))
	}
	return nil
}

func (s *Store) UpdateCardStatus(ctx context.Context, id string, status records.CardStatus) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.UpdateCardStatus", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE cards SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return false, fail(span, fmt.Errorf("update card status: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

const txnColumns = `id, customer_id, card_id, mcc, merchant, amount_cents, currency, ts, device_id, country, city`

func scanTxn(row pgx.Row) (*records.Transaction, error) {
	var (
		t        records.Transaction
		cardID   *string
		deviceID *string
		country  *string
		city     *string
	)
	err := row.Scan(&t.ID, &t.CustomerID, &cardID, &t.MCC, &t.Merchant,
		&t.AmountCents, &t.Currency, &t.TS, &deviceID, &country, &city)
	if err != nil {
		return nil, err
	}
	if cardID != nil {
		t.CardID = *cardID
	}
	if deviceID != nil {
		t.DeviceID = *deviceID
	}
	if country != nil {
		t.Country = *country
	}
	if city != nil {
		t.City = *city
	}
	return &t, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*records.Transaction, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetTransaction", "SELECT")
	defer span.End()

	t, err := scanTxn(s.pool.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan transaction: %w", err))
	}
	return t, true, nil
}

func (s *Store) UpsertTransaction(ctx context.Context, t *records.Transaction) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertTransaction", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (`+txnColumns+`)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''))
		 ON CONFLICT (id) DO UPDATE SET
		     customer_id  = EXCLUDED.customer_id,
		     card_id      = EXCLUDED.card_id,
		     mcc          = EXCLUDED.mcc,
		     merchant     = EXCLUDED.merchant,
		     amount_cents = EXCLUDED.amount_cents,
		     currency     = EXCLUDED.currency,
		     ts           = EXCLUDED.ts,
		     device_id    = EXCLUDED.device_id,
		     country      = EXCLUDED.country,
		     city         = EXCLUDED.city`,
		t.ID, t.CustomerID, t.CardID, t.MCC, t.Merchant, t.AmountCents,
		t.Currency, t.TS, t.DeviceID, t.Country, t.City,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert transaction: %w", err))
	}
	return nil
}

func (s *Store) ListTransactionsSince(ctx context.Context, customerID string, since time.Time) ([]records.Transaction, error) {
	ctx, span := startSpan(ctx, "pgstore.ListTransactionsSince", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+txnColumns+` FROM transactions
		 WHERE customer_id = $1 AND ts >= $2
		 ORDER BY ts DESC, id DESC`,
		customerID, since,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query transactions: %w", err))
	}
	defer rows.Close()

	return collectTxns(span, rows)
}

func (s *Store) ListTransactionsPage(ctx context.Context, customerID, cursor string, limit int) (*records.TransactionPage, error) {
	ctx, span := startSpan(ctx, "pgstore.ListTransactionsPage", "SELECT")
	defer span.End()

	afterTS, afterID, err := records.DecodeTxnCursor(cursor)
	if err != nil {
		return nil, fail(span, err)
	}

	var rows pgx.Rows
	if cursor == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+txnColumns+` FROM transactions
			 WHERE customer_id = $1
			 ORDER BY ts DESC, id DESC
			 LIMIT $2`,
			customerID, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+txnColumns+` FROM transactions
			 WHERE customer_id = $1 AND (ts, id) < ($2, $3)
			 ORDER BY ts DESC, id DESC
			 LIMIT $4`,
			customerID, afterTS, afterID, limit,
		)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("query transactions page: %w", err))
	}
	defer rows.Close()

	items, err := collectTxns(span, rows)
	if err != nil {
		return nil, err
	}

	page := &records.TransactionPage{Items: items}
	if len(items) == limit && limit > 0 {
		last := items[len(items)-1]
		page.NextCursor = records.EncodeTxnCursor(last.TS, last.ID)
	}
	return page, nil
}

func collectTxns(span trace.Span, rows pgx.Rows) ([]records.Transaction, error) {
	var out []records.Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, fail(span, fmt.Errorf("scan transaction: %w", err))
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate transactions: %w", err))
	}
	return out, nil
}

const alertColumns = `id, customer_id, suspect_txn_id, risk, status, created_at`

func scanAlert(row pgx.Row) (*records.Alert, error) {
	var (
		a            records.Alert
		suspectTxnID *string
		risk         *string
		status       string
	)
	err := row.Scan(&a.ID, &a.CustomerID, &suspectTxnID, &risk, &status, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if suspectTxnID != nil {
		a.SuspectTxnID = *suspectTxnID
	}
	if risk != nil {
		a.Risk = *risk
	}
	a.Status = records.AlertStatus(status)
	return &a, nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (*records.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetAlert", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan alert: %w", err))
	}
	return a, true, nil
}

func (s *Store) UpsertAlert(ctx context.Context, a *records.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertAlert", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO alerts (id, customer_id, suspect_txn_id, risk, status, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		     customer_id    = EXCLUDED.customer_id,
		     suspect_txn_id = EXCLUDED.suspect_txn_id,
		     risk           = EXCLUDED.risk,
		     status         = EXCLUDED.status`,
		a.ID, a.CustomerID, a.SuspectTxnID, a.Risk, string(a.Status), a.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert alert: %w", err))
	}
	return nil
}

func (s *Store) ListAlertsPage(ctx context.Context, cursor string, limit int) (*records.AlertPage, error) {
	ctx, span := startSpan(ctx, "pgstore.ListAlertsPage", "SELECT")
	defer span.End()

	var (
		rows pgx.Rows
		err  error
	)
	if cursor == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+alertColumns+` FROM alerts ORDER BY id DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+alertColumns+` FROM alerts WHERE id < $1 ORDER BY id DESC LIMIT $2`,
			cursor, limit)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	page := &records.AlertPage{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, fmt.Errorf("scan alert: %w", err))
		}
		page.Items = append(page.Items, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	if len(page.Items) == limit && limit > 0 {
		page.NextCursor = page.Items[len(page.Items)-1].ID
	}
	return page, nil
}

func (s *Store) UpdateAlertStatus(ctx context.Context, id string, status records.AlertStatus) (*records.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.UpdateAlertStatus", "UPDATE")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx,
		`UPDATE alerts SET status = $2 WHERE id = $1 RETURNING `+alertColumns,
		id, string(status)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("update alert status: %w", err))
	}
	return a, true, nil
}

func (s *Store) CreateCase(ctx context.Context, c *records.Case) error {
	ctx, span := startSpan(ctx, "pgstore.CreateCase", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`INSERT INTO cases (id, customer_id, txn_id, type, status, reason_code, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`,
		c.ID, c.CustomerID, c.TxnID, c.Type, c.Status, c.ReasonCode, c.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert case: %w", err))
	}

	for i := range c.Events {
		ev := &c.Events[i]
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fail(span, fmt.Errorf("marshal case event payload: %w", err))
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO case_events (case_id, actor, action, payload, ts)
			 VALUES ($1, $2, $3, $4, $5)`,
			c.ID, ev.Actor, ev.Action, payload, ev.TS,
		)
		if err != nil {
			return fail(span, fmt.Errorf("insert case event: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) UpsertKBDoc(ctx context.Context, d *records.KBDoc) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertKBDoc", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO kb_docs (id, title, anchor, content)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		     title   = EXCLUDED.title,
		     anchor  = EXCLUDED.anchor,
		     content = EXCLUDED.content`,
		d.ID, d.Title, d.Anchor, d.Content,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert kb doc: %w", err))
	}
	return nil
}

func (s *Store) ListKBDocs(ctx context.Context) ([]records.KBDoc, error) {
	ctx, span := startSpan(ctx, "pgstore.ListKBDocs", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id, title, anchor, content FROM kb_docs ORDER BY id`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query kb docs: %w", err))
	}
	defer rows.Close()

	var out []records.KBDoc
	for rows.Next() {
		var d records.KBDoc
		if err := rows.Scan(&d.ID, &d.Title, &d.Anchor, &d.Content); err != nil {
			return nil, fail(span, fmt.Errorf("scan kb doc: %w", err))
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate kb docs: %w", err))
	}
	return out, nil
}

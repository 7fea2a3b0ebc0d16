// Package actions executes the state-changing commands an operator can
// approve after triage: freezing a card and opening a dispute. Both are
// deduplicated by idempotency key and audited as cases.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sentinel/internal/records"
)

// ExpectedOTP is the fixed one-time passcode accepted by the freeze-card
// action.
const ExpectedOTP = "123456"

// ValidationError reports missing or malformed action input. Code is
// stable and machine readable.
type ValidationError struct {
	Code string
}

func (e *ValidationError) Error() string { return e.Code }

// NotFoundError reports that a referenced entity does not exist.
type NotFoundError struct {
	Code string
}

func (e *NotFoundError) Error() string { return e.Code }

// ActionStore is the slice of the record store the gateway mutates.
type ActionStore interface {
	GetCard(ctx context.Context, id string) (*records.Card, bool, error)
	UpdateCardStatus(ctx context.Context, id string, status records.CardStatus) (bool, error)
	GetTransaction(ctx context.Context, id string) (*records.Transaction, bool, error)
	CreateCase(ctx context.Context, c *records.Case) error
}

// Hooks observes gateway outcomes.
type Hooks struct {
	// OnAction is called with the action name and resulting status.
	OnAction func(action, status string)
	// OnReplay is called when an idempotency key short-circuits a call.
	OnReplay func(action string)
}

// Gateway executes operator actions exactly once per client intent.
type Gateway struct {
	store  ActionStore
	idem   *idemCache
	logger log.Logger
	hooks  Hooks
	otp    string
	now    func() time.Time
}

// New creates a Gateway over store. An empty otp selects ExpectedOTP.
func New(store ActionStore, logger log.Logger, otp string, hooks Hooks) *Gateway {
	if logger == nil {
		logger = log.Nop()
	}
	if otp == "" {
		otp = ExpectedOTP
	}
	return &Gateway{
		store:  store,
		idem:   newIdemCache(),
		logger: logger,
		hooks:  hooks,
		otp:    otp,
		now:    time.Now,
	}
}

// FreezeCardInput is the freeze-card request.
type FreezeCardInput struct {
	CardID         string `json:"cardId"`
	OTP            string `json:"otp,omitempty"`
	IdempotencyKey string `json:"-"`
}

// OpenDisputeInput is the open-dispute request. Confirm must be
// explicitly true; an absent or false value fails validation.
type OpenDisputeInput struct {
	TxnID          string `json:"txnId"`
	ReasonCode     string `json:"reasonCode"`
	Confirm        bool   `json:"confirm"`
	IdempotencyKey string `json:"-"`
}

// FreezeCard freezes a card. Unless the card is already frozen, the OTP
// must match; on mismatch the response is PENDING_OTP with a fresh
// request identifier, an otp_required audit case is recorded, and no
// state changes. Replays through the same idempotency key return the
// cached response verbatim.
func (g *Gateway) FreezeCard(ctx context.Context, in FreezeCardInput) (json.RawMessage, error) {
	done, cached := g.idem.begin(in.IdempotencyKey)
	if cached != nil {
		g.replayed(ctx, "freeze_card", in.IdempotencyKey)
		return cached, nil
	}
	defer done(nil)

	if in.CardID == "" {
		return nil, &ValidationError{Code: "cardId_required"}
	}

	card, ok, err := g.store.GetCard(ctx, in.CardID)
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	if !ok {
		return nil, &NotFoundError{Code: "card_not_found"}
	}

	requestID := "req_" + ulid.Make().String()

	if card.Status != records.CardFrozen && in.OTP != g.otp {
		resp, err := marshalResponse(map[string]string{
			"status":    string(records.CardPendingOTP),
			"requestId": requestID,
		})
		if err != nil {
			return nil, err
		}
		auditCase := &records.Case{
			ID:         "case_" + ulid.Make().String(),
			CustomerID: card.CustomerID,
			Type:       "FRAUD",
			Status:     "OPEN",
			ReasonCode: "otp_required",
			CreatedAt:  g.now().UTC(),
			Events: []records.CaseEvent{{
				Actor:   "agent",
				Action:  "freeze_card",
				Payload: map[string]any{"otpRequired": true, "requestId": requestID},
				TS:      g.now().UTC(),
			}},
		}
		if err := g.store.CreateCase(ctx, auditCase); err != nil {
			return nil, fmt.Errorf("create audit case: %w", err)
		}
		g.observed("freeze_card", string(records.CardPendingOTP))
		done(resp)
		return resp, nil
	}

	if _, err := g.store.UpdateCardStatus(ctx, card.ID, records.CardFrozen); err != nil {
		return nil, fmt.Errorf("freeze card: %w", err)
	}

	auditCase := &records.Case{
		ID:         "case_" + ulid.Make().String(),
		CustomerID: card.CustomerID,
		Type:       "FRAUD",
		Status:     "OPEN",
		ReasonCode: "freeze_card",
		CreatedAt:  g.now().UTC(),
		Events: []records.CaseEvent{{
			Actor:   "agent",
			Action:  "freeze_card",
			Payload: map[string]any{"status": string(records.CardFrozen), "requestId": requestID},
			TS:      g.now().UTC(),
		}},
	}
	if err := g.store.CreateCase(ctx, auditCase); err != nil {
		return nil, fmt.Errorf("create audit case: %w", err)
	}

	resp, err := marshalResponse(map[string]string{
		"status":    string(records.CardFrozen),
		"requestId": requestID,
	})
	if err != nil {
		return nil, err
	}
	g.observed("freeze_card", string(records.CardFrozen))
	done(resp)
	return resp, nil
}

// OpenDispute opens a dispute case for a transaction. Confirm must be
// exactly true. Replays through the same idempotency key return the
// cached response verbatim.
func (g *Gateway) OpenDispute(ctx context.Context, in OpenDisputeInput) (json.RawMessage, error) {
	done, cached := g.idem.begin(in.IdempotencyKey)
	if cached != nil {
		g.replayed(ctx, "open_dispute", in.IdempotencyKey)
		return cached, nil
	}
	defer done(nil)

	if in.TxnID == "" || in.ReasonCode == "" || !in.Confirm {
		return nil, &ValidationError{Code: "txnId_reasonCode_confirm_required"}
	}

	txn, ok, err := g.store.GetTransaction(ctx, in.TxnID)
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if !ok {
		return nil, &NotFoundError{Code: "transaction_not_found"}
	}

	caseID := "case_" + ulid.Make().String()
	dispute := &records.Case{
		ID:         caseID,
		CustomerID: txn.CustomerID,
		TxnID:      txn.ID,
		Type:       "DISPUTE",
		Status:     "OPEN",
		ReasonCode: in.ReasonCode,
		CreatedAt:  g.now().UTC(),
		Events: []records.CaseEvent{{
			Actor:   "agent",
			Action:  "open_dispute",
			Payload: map[string]any{"txnId": txn.ID, "reasonCode": in.ReasonCode},
			TS:      g.now().UTC(),
		}},
	}
	if err := g.store.CreateCase(ctx, dispute); err != nil {
		return nil, fmt.Errorf("create dispute case: %w", err)
	}

	resp, err := marshalResponse(map[string]string{
		"caseId": caseID,
		"status": "OPEN",
	})
	if err != nil {
		return nil, err
	}
	g.observed("open_dispute", "OPEN")
	done(resp)
	return resp, nil
}

func (g *Gateway) observed(action, status string) {
	if g.hooks.OnAction != nil {
		g.hooks.OnAction(action, status)
	}
}

func (g *Gateway) replayed(ctx context.Context, action, key string) {
	g.logger.Info(ctx, "idempotent replay", "action", action, "idempotency_key", key)
	if g.hooks.OnReplay != nil {
		g.hooks.OnReplay(action)
	}
}

func marshalResponse(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return raw, nil
}

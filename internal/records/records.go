// Package records defines the persistent entities the triage pipeline and
// the action gateway read and mutate, plus the Store interface they are
// accessed through.
package records

import (
	"context"
	"time"
)

// CardStatus is the lifecycle state of a payment card.
type CardStatus string

const (
	CardActive     CardStatus = "ACTIVE"
	CardPendingOTP CardStatus = "PENDING_OTP"
	CardFrozen     CardStatus = "FROZEN"
)

// AlertStatus is the review state of a fraud alert.
type AlertStatus string

const (
	AlertOpen     AlertStatus = "open"
	AlertResolved AlertStatus = "resolved"
)

// ValidAlertStatus reports whether s is a recognized alert status.
func ValidAlertStatus(s AlertStatus) bool {
	switch s {
	case AlertOpen, AlertResolved:
		return true
	}
	return false
}

// Customer is a bank customer. Email is stored pre-masked.
type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	KYCLevel  string    `json:"kycLevel"`
	CreatedAt time.Time `json:"createdAt"`
}

// Card is a payment card belonging to a customer.
type Card struct {
	ID         string     `json:"id"`
	CustomerID string     `json:"customerId"`
	Last4      string     `json:"last4"`
	Network    string     `json:"network"`
	Status     CardStatus `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Transaction is a single card or account transaction.
type Transaction struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customerId"`
	CardID      string    `json:"cardId,omitempty"`
	MCC         string    `json:"mcc"`
	Merchant    string    `json:"merchant"`
	AmountCents int64     `json:"amountCents"`
	Currency    string    `json:"currency"`
	TS          time.Time `json:"ts"`
	DeviceID    string    `json:"deviceId,omitempty"`
	Country     string    `json:"country,omitempty"`
	City        string    `json:"city,omitempty"`
}

// Alert is a fraud alert raised against a customer, optionally pointing
// at the transaction that triggered it.
type Alert struct {
	ID           string      `json:"id"`
	CustomerID   string      `json:"customerId"`
	SuspectTxnID string      `json:"suspectTxnId,omitempty"`
	Risk         string      `json:"risk,omitempty"`
	Status       AlertStatus `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Case is an audit record created by the action gateway. Events is the
// immutable list of actions appended to it.
type Case struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customerId"`
	TxnID      string      `json:"txnId,omitempty"`
	Type       string      `json:"type"`
	Status     string      `json:"status"`
	ReasonCode string      `json:"reasonCode"`
	CreatedAt  time.Time   `json:"createdAt"`
	Events     []CaseEvent `json:"events,omitempty"`
}

// CaseEvent is one audit entry on a case.
type CaseEvent struct {
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
	TS      time.Time      `json:"ts"`
}

// KBDoc is a knowledge-base document used by the lookup step.
type KBDoc struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Anchor  string `json:"anchor"`
	Content string `json:"content"`
}

// TransactionPage is one keyset page of a customer's transactions,
// ordered by (ts, id) descending.
type TransactionPage struct {
	Items      []Transaction
	NextCursor string
}

// AlertPage is one keyset page of alerts, ordered by id descending.
type AlertPage struct {
	Items      []Alert
	NextCursor string
}

// Store is the persistence boundary for customer, card, transaction,
// alert, case, and knowledge-base records.
//
// Reads follow the (value, found, error) convention: a missing record is
// (zero, false, nil), not an error.
type Store interface {
	GetCustomer(ctx context.Context, id string) (*Customer, bool, error)
	UpsertCustomer(ctx context.Context, c *Customer) error

	GetCard(ctx context.Context, id string) (*Card, bool, error)
	UpsertCard(ctx context.Context, c *Card) error
	// UpdateCardStatus sets the card's status and reports whether the
	// card exists.
	UpdateCardStatus(ctx context.Context, id string, status CardStatus) (bool, error)

	GetTransaction(ctx context.Context, id string) (*Transaction, bool, error)
	UpsertTransaction(ctx context.Context, t *Transaction) error
	// ListTransactionsSince returns all of a customer's transactions with
	// ts >= since, ordered by ts descending.
	ListTransactionsSince(ctx context.Context, customerID string, since time.Time) ([]Transaction, error)
	// ListTransactionsPage returns one keyset page of a customer's
	// transactions. cursor is the opaque NextCursor from the previous
	// page, or empty for the first page.
	ListTransactionsPage(ctx context.Context, customerID, cursor string, limit int) (*TransactionPage, error)

	GetAlert(ctx context.Context, id string) (*Alert, bool, error)
	UpsertAlert(ctx context.Context, a *Alert) error
	// ListAlertsPage returns one keyset page of alerts, newest id first.
	ListAlertsPage(ctx context.Context, cursor string, limit int) (*AlertPage, error)
	// UpdateAlertStatus sets the alert's status and returns the updated
	// alert, or found=false if the alert does not exist.
	UpdateAlertStatus(ctx context.Context, id string, status AlertStatus) (*Alert, bool, error)

	// CreateCase persists a case together with its initial events.
	CreateCase(ctx context.Context, c *Case) error

	UpsertKBDoc(ctx context.Context, d *KBDoc) error
	// ListKBDocs returns all knowledge-base documents.
	ListKBDocs(ctx context.Context) ([]KBDoc, error)
}

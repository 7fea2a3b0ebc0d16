// Package memstore provides an in-memory records.Store used in tests and
// when the server runs without Postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/sentinel/internal/records"
)

// Store is an in-memory implementation of records.Store. Values are
// copied on the way in and out so callers cannot mutate shared state.
type Store struct {
	mu        sync.RWMutex
	customers map[string]records.Customer
	cards     map[string]records.Card
	txns      map[string]records.Transaction
	alerts    map[string]records.Alert
	cases     map[string]records.Case
	kbDocs    map[string]records.KBDoc
}

var _ records.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		customers: make(map[string]records.Customer),
		cards:     make(map[string]records.Card),
		txns:      make(map[string]records.Transaction),
		alerts:    make(map[string]records.Alert),
		cases:     make(map[string]records.Case),
		kbDocs:    make(map[string]records.KBDoc),
	}
}

func (s *Store) GetCustomer(_ context.Context, id string) (*records.Customer, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, false, nil
	}
	return &c, true, nil
}

func (s *Store) UpsertCustomer(_ context.Context, c *records.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = *c
	return nil
}

func (s *Store) GetCard(_ context.Context, id string) (*records.Card, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[id]
	if !ok {
		return nil, false, nil
	}
	return &c, true, nil
}

func (s *Store) UpsertCard(_ context.Context, c *records.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[c.ID] = *c
	return nil
}

func (s *Store) UpdateCardStatus(_ context.Context, id string, status records.CardStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[id]
	if !ok {
		return false, nil
	}
	c.Status = status
	s.cards[id] = c
	return true, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*records.Transaction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, false, nil
	}
	return &t, true, nil
}

func (s *Store) UpsertTransaction(_ context.Context, t *records.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txns[t.ID] = *t
	return nil
}

func (s *Store) ListTransactionsSince(_ context.Context, customerID string, since time.Time) ([]records.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []records.Transaction
	for _, t := range s.txns {
		if t.CustomerID == customerID && !t.TS.Before(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.After(out[j].TS) })
	return out, nil
}

func (s *Store) ListTransactionsPage(_ context.Context, customerID, cursor string, limit int) (*records.TransactionPage, error) {
	afterTS, afterID, err := records.DecodeTxnCursor(cursor)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var all []records.Transaction
	for _, t := range s.txns {
		if t.CustomerID == customerID {
			all = append(all, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].TS.Equal(all[j].TS) {
			return all[i].TS.After(all[j].TS)
		}
		return all[i].ID > all[j].ID
	})

	page := &records.TransactionPage{}
	for _, t := range all {
		if cursor != "" && !beforeTxnKey(t, afterTS, afterID) {
			continue
		}
		page.Items = append(page.Items, t)
		if len(page.Items) == limit {
			break
		}
	}
	if len(page.Items) == limit && limit > 0 {
		last := page.Items[len(page.Items)-1]
		page.NextCursor = records.EncodeTxnCursor(last.TS, last.ID)
	}
	return page, nil
}

// beforeTxnKey reports whether t sorts strictly after the cursor position
// in (ts, id) descending order.
func beforeTxnKey(t records.Transaction, afterTS time.Time, afterID string) bool {
	if !t.TS.Equal(afterTS) {
		return t.TS.Before(afterTS)
	}
	return t.ID < afterID
}

func (s *Store) GetAlert(_ context.Context, id string) (*records.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return &a, true, nil
}

func (s *Store) UpsertAlert(_ context.Context, a *records.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = *a
	return nil
}

func (s *Store) ListAlertsPage(_ context.Context, cursor string, limit int) (*records.AlertPage, error) {
	s.mu.RLock()
	all := make([]records.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		all = append(all, a)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	page := &records.AlertPage{}
	for _, a := range all {
		if cursor != "" && a.ID >= cursor {
			continue
		}
		page.Items = append(page.Items, a)
		if len(page.Items) == limit {
			break
		}
	}
	if len(page.Items) == limit && limit > 0 {
		page.NextCursor = page.Items[len(page.Items)-1].ID
	}
	return page, nil
}

func (s *Store) UpdateAlertStatus(_ context.Context, id string, status records.AlertStatus) (*records.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	a.Status = status
	s.alerts[id] = a
	return &a, true, nil
}

func (s *Store) CreateCase(_ context.Context, c *records.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cases[c.ID]; exists {
		return fmt.Errorf("memstore: case %q already exists", c.ID)
	}
	stored := *c
	stored.Events = make([]records.CaseEvent, len(c.Events))
	copy(stored.Events, c.Events)
	s.cases[c.ID] = stored
	return nil
}

// GetCase returns a stored case. It is not part of records.Store but is
// useful for tests and diagnostics.
func (s *Store) GetCase(_ context.Context, id string) (*records.Case, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, false, nil
	}
	out := c
	out.Events = make([]records.CaseEvent, len(c.Events))
	copy(out.Events, c.Events)
	return &out, true, nil
}

// CaseCount reports the number of stored cases.
func (s *Store) CaseCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

func (s *Store) UpsertKBDoc(_ context.Context, d *records.KBDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kbDocs[d.ID] = *d
	return nil
}

func (s *Store) ListKBDocs(_ context.Context) ([]records.KBDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]records.KBDoc, 0, len(s.kbDocs))
	for _, d := range s.kbDocs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

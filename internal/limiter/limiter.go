// Package limiter gates triage starts with a per-alert cooldown backed
// by a set-if-absent-with-expiry keyspace.
package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultCooldown is the minimum interval between triage starts for the
// same alert.
const DefaultCooldown = 5 * time.Minute

const keyPrefix = "triage:cooldown:"

// Keyspace is the set-if-absent-with-expiry primitive the limiter is
// built on.
type Keyspace interface {
	// SetIfAbsent stores key with the given TTL and reports whether the
	// key was newly set. An existing unexpired key leaves the stored TTL
	// untouched and returns false.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime of key, or <= 0 if the key is
	// absent or expired.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Admission is the outcome of one TryAdmit call.
type Admission struct {
	Admitted   bool
	RetryAfter time.Duration
}

// Limiter refuses repeat triage starts for an alert within the cooldown
// window. When the keyspace is unreachable it fails open: triage
// availability outranks strict rate limiting.
type Limiter struct {
	keys     Keyspace
	cooldown time.Duration
	logger   log.Logger

	// OnResult, when set, observes each outcome: "admitted", "refused",
	// or "fail_open".
	OnResult func(result string)
}

// New creates a Limiter over keys. A non-positive cooldown selects
// DefaultCooldown.
func New(keys Keyspace, cooldown time.Duration, logger log.Logger) *Limiter {
	if logger == nil {
		logger = log.Nop()
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Limiter{keys: keys, cooldown: cooldown, logger: logger}
}

// TryAdmit attempts to claim the alert's cooldown slot.
func (l *Limiter) TryAdmit(ctx context.Context, alertID string) Admission {
	key := keyPrefix + alertID

	acquired, err := l.keys.SetIfAbsent(ctx, key, l.cooldown)
	if err != nil {
		l.logger.Warn(ctx, "admission keyspace unreachable, failing open",
			"alert_id", alertID, "error", err.Error())
		l.observe("fail_open")
		return Admission{Admitted: true}
	}
	if acquired {
		l.observe("admitted")
		return Admission{Admitted: true}
	}

	ttl, err := l.keys.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		ttl = l.cooldown
	}
	l.observe("refused")
	return Admission{Admitted: false, RetryAfter: ttl}
}

func (l *Limiter) observe(result string) {
	if l.OnResult != nil {
		l.OnResult(result)
	}
}

// MemKeyspace is an in-process Keyspace used in tests and when the
// server runs without a shared backing store.
type MemKeyspace struct {
	mu      sync.Mutex
	expiry  map[string]time.Time
	nowFunc func() time.Time
}

var _ Keyspace = (*MemKeyspace)(nil)

// NewMemKeyspace creates an empty in-process keyspace.
func NewMemKeyspace() *MemKeyspace {
	return &MemKeyspace{expiry: make(map[string]time.Time), nowFunc: time.Now}
}

func (m *MemKeyspace) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	if exp, ok := m.expiry[key]; ok && exp.After(now) {
		return false, nil
	}
	m.expiry[key] = now.Add(ttl)
	return true, nil
}

func (m *MemKeyspace) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.expiry[key]
	if !ok {
		return 0, nil
	}
	return exp.Sub(m.nowFunc()), nil
}

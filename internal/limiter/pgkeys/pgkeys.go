// Package pgkeys provides a PostgreSQL-backed set-if-absent-with-expiry
// keyspace for the admission limiter, so cooldowns hold across server
// instances sharing one database.
package pgkeys

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS admission_keys (
    key        TEXT PRIMARY KEY,
    expires_at TIMESTAMPTZ NOT NULL
);`

// Keyspace implements limiter.Keyspace on a shared Postgres table.
// Expired rows are reclaimed in place by the next SetIfAbsent for the
// same key.
type Keyspace struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Keyspace. The pool is
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Keyspace, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Keyspace{pool: pool}, nil
}

func (k *Keyspace) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	tag, err := k.pool.Exec(ctx,
		`INSERT INTO admission_keys (key, expires_at)
		 VALUES ($1, now() + make_interval(secs => $2))
		 ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		 WHERE admission_keys.expires_at <= now()`,
		key, ttl.Seconds(),
	)
	if err != nil {
		return false, fmt.Errorf("set if absent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (k *Keyspace) TTL(ctx context.Context, key string) (time.Duration, error) {
	var seconds float64
	err := k.pool.QueryRow(ctx,
		`SELECT COALESCE(
		     (SELECT EXTRACT(EPOCH FROM (expires_at - now())) FROM admission_keys WHERE key = $1),
		     0)`,
		key,
	).Scan(&seconds)
	if err != nil {
		return 0, fmt.Errorf("ttl: %w", err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

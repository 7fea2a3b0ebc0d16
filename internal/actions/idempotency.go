package actions

import (
	"encoding/json"
	"sync"
)

// idemCache deduplicates actions by idempotency key. The first caller
// for a key owns it; concurrent callers for the same key wait for the
// owner and then replay its cached response byte for byte. A failed
// owner releases the key so the next caller can retry.
type idemCache struct {
	mu      sync.Mutex
	entries map[string]*idemEntry
}

type idemEntry struct {
	ready     chan struct{}
	resp      json.RawMessage
	completed bool
}

func newIdemCache() *idemCache {
	return &idemCache{entries: make(map[string]*idemEntry)}
}

// begin claims key. When a completed response is already cached (or
// becomes cached while waiting), it is returned and done is a no-op.
// Otherwise the caller owns the key and must call done exactly once
// when finished: done(resp) caches resp, done(nil) releases the key
// without caching. Extra done calls are ignored. An empty key disables
// deduplication.
func (c *idemCache) begin(key string) (done func(json.RawMessage), cached json.RawMessage) {
	if key == "" {
		return func(json.RawMessage) {}, nil
	}

	for {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			if e.completed {
				resp := e.resp
				c.mu.Unlock()
				return func(json.RawMessage) {}, resp
			}
			c.mu.Unlock()
			<-e.ready
			continue
		}

		e := &idemEntry{ready: make(chan struct{})}
		c.entries[key] = e
		c.mu.Unlock()

		var once sync.Once
		return func(resp json.RawMessage) {
			once.Do(func() {
				c.mu.Lock()
				if resp != nil {
					e.resp = resp
					e.completed = true
				} else {
					delete(c.entries, key)
				}
				c.mu.Unlock()
				close(e.ready)
			})
		}, nil
	}
}

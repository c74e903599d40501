package stream

import (
	"context"
	"sync"
	"time"

	"github.com/tradeforge/bfxstream/pkg/logging"
	"github.com/tradeforge/bfxstream/pkg/wire"
)

// calcCache suppresses duplicate outbound calc requests per (kind, key)
// inside the TTL window. Best-effort deduplication against the exchange's
// rate limits on expensive calculations, not a correctness mechanism.
type calcCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func newCalcCache(ttl time.Duration) *calcCache {
	return &calcCache{ttl: ttl, entries: make(map[string]time.Time)}
}

func cacheKey(kind, key string) string {
	return kind + ":" + key
}

// fresh reports whether a request for (kind, key) was sent inside the TTL.
func (cc *calcCache) fresh(kind, key string) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	at, ok := cc.entries[cacheKey(kind, key)]
	return ok && time.Since(at) < cc.ttl
}

func (cc *calcCache) record(kind, key string) {
	cc.mu.Lock()
	cc.entries[cacheKey(kind, key)] = time.Now()
	cc.mu.Unlock()
}

// sweep drops expired entries; called from the reconciliation pass.
func (cc *calcCache) sweep() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for k, at := range cc.entries {
		if time.Since(at) >= cc.ttl {
			delete(cc.entries, k)
		}
	}
}

// RequestCalc asks the exchange to recompute a derived value (margin,
// position, wallet, or funding figures) for the given key, unless the
// snapshot already satisfies the need or an identical request is still
// fresh. Returns whether a request went out.
func (c *Client) RequestCalc(ctx context.Context, kind, key string, satisfied func(*AccountState) bool) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	if satisfied != nil && satisfied(c.account) {
		return false, nil
	}
	if c.calc.fresh(kind, key) {
		return false, nil
	}

	if !c.EnsureAuthenticated(ctx) {
		return false, ErrAuthRequired
	}

	p := c.primarySocket()
	if p == nil || !p.open() {
		return false, ErrNotConnected
	}

	frame, err := wire.EncodeCalc([]string{key})
	if err != nil {
		return false, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	if err := p.sendRaw(frame); err != nil {
		return false, err
	}

	c.calc.record(kind, key)
	c.log.Debug("calc requested",
		logging.String("kind", kind),
		logging.String("key", key))
	return true, nil
}

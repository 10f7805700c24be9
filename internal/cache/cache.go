// Package cache memoizes selection results per query fingerprint with a
// bounded TTL and at-most-one-concurrent-computation semantics: concurrent
// callers with the same key share a single in-flight computation. The cache
// is advisory; a miss or error only costs time, never correctness.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"kbrouter/internal/logging"
	"kbrouter/internal/types"

	"golang.org/x/sync/singleflight"
)

// =============================================================================
// RESULT CACHE
// =============================================================================

// entry holds one memoized result. expiresAt is measured from completion of
// the computation, not request arrival, so a slow computation does not
// produce a near-instantly-stale entry.
type entry struct {
	result    types.SelectionResult
	expiresAt time.Time
}

// ResultCache memoizes selection results. Safe for concurrent use.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[uint64]entry
	ttl     time.Duration

	group singleflight.Group

	stopJanitor chan struct{}
	janitorOnce sync.Once

	hits   uint64
	misses uint64
}

// New creates a result cache with the given TTL. Non-positive TTL falls
// back to 5 minutes.
func New(ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResultCache{
		entries:     make(map[uint64]entry),
		ttl:         ttl,
		stopJanitor: make(chan struct{}),
	}
}

// Key fingerprints one selection request: requester, normalized query text,
// session, and attempt count. FNV-1a over the parts, so identical inputs
// always land on the same in-flight computation. The attempt count is part
// of the identity because a retry must re-enter the bounds check instead of
// being served the earlier attempt's result.
func Key(requesterAgentID, queryText, sessionID string, attemptCount int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(requesterAgentID))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(queryText))))
	h.Write([]byte{0})
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(attemptCount)))
	return h.Sum64()
}

// GetOrCompute returns the cached result for key, or runs compute exactly
// once for all concurrent callers with the same key and shares its result.
// A caller whose context ends while waiting gets ctx.Err(); the computation
// itself keeps running for the remaining waiters, and cancellation of all
// waiters is compute's concern via its own context.
func (c *ResultCache) GetOrCompute(ctx context.Context, key uint64, compute func() (types.SelectionResult, error)) (types.SelectionResult, error) {
	if cached, ok := c.get(key); ok {
		return cached, nil
	}

	keyStr := fmt.Sprintf("%016x", key)
	ch := c.group.DoChan(keyStr, func() (interface{}, error) {
		result, err := compute()
		if err != nil {
			return types.SelectionResult{}, err
		}
		// Error-fallback results come from transient failures below the
		// selector; memoizing one would pin the degraded answer for the full
		// TTL after the provider recovers.
		if result.Strategy != types.StrategyErrorFallback {
			c.set(key, result)
		}
		return result, nil
	})

	select {
	case <-ctx.Done():
		// The in-flight computation is shared; forgetting it here would
		// strand the other waiters. Just abandon our wait.
		return types.SelectionResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return types.SelectionResult{}, res.Err
		}
		return res.Val.(types.SelectionResult), nil
	}
}

// get returns a live cached entry.
func (c *ResultCache) get(key uint64) (types.SelectionResult, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return types.SelectionResult{}, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	logging.CacheDebug("Cache hit: key=%016x", key)
	return e.result, true
}

// set stores a result; TTL starts now (computation completion).
func (c *ResultCache) set(key uint64, result types.SelectionResult) {
	c.mu.Lock()
	c.entries[key] = entry{result: result, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate removes one key.
func (c *ResultCache) Invalidate(key uint64) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[uint64]entry)
	c.mu.Unlock()
	logging.Cache("Cache cleared")
}

// Len returns the number of stored entries, expired included.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns hit/miss counters.
func (c *ResultCache) Stats() (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

// =============================================================================
// JANITOR
// =============================================================================

// StartJanitor sweeps expired entries every interval until Stop is called.
func (c *ResultCache) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopJanitor:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop terminates the janitor goroutine. Idempotent.
func (c *ResultCache) Stop() {
	c.janitorOnce.Do(func() {
		close(c.stopJanitor)
	})
}

func (c *ResultCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		logging.CacheDebug("Janitor removed %d expired entries", removed)
	}
}

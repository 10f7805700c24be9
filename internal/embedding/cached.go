package embedding

import (
	"context"
	"hash/fnv"
	"sync"

	"kbrouter/internal/logging"
)

// =============================================================================
// CONTENT-HASH MEMOIZATION
// =============================================================================

// CachedEngine wraps an Engine with content-hash memoization: a distinct
// text is embedded at most once per process. Vectors are small and the
// corpus of distinct texts is bounded, so entries are never evicted.
type CachedEngine struct {
	inner Engine

	mu    sync.RWMutex
	cache map[uint64][]float32
	hits  int64
}

// NewCachedEngine wraps engine with memoization.
func NewCachedEngine(engine Engine) *CachedEngine {
	return &CachedEngine{
		inner: engine,
		cache: make(map[uint64][]float32),
	}
}

// contentHash computes an FNV-1a hash of the text.
func contentHash(text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	return h.Sum64()
}

// Embed returns the memoized vector when available, otherwise delegates.
func (c *CachedEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	key := contentHash(text)

	c.mu.RLock()
	vec, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = vec
	c.mu.Unlock()

	logging.EmbeddingDebug("Memoized embedding for %d-byte text (cache size=%d)", len(text), c.Size())
	return vec, nil
}

// EmbedBatch embeds only the texts not already memoized.
func (c *CachedEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	c.mu.RLock()
	for i, text := range texts {
		if vec, ok := c.cache[contentHash(text)]; ok {
			out[i] = vec
		} else {
			missing = append(missing, text)
			missingIdx = append(missingIdx, i)
		}
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for j, vec := range vecs {
		out[missingIdx[j]] = vec
		c.cache[contentHash(missing[j])] = vec
	}
	c.mu.Unlock()

	return out, nil
}

// HealthCheck delegates when the inner engine supports it.
func (c *CachedEngine) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Dimensions returns the inner engine's dimensionality.
func (c *CachedEngine) Dimensions() int {
	return c.inner.Dimensions()
}

// Name returns the inner engine name.
func (c *CachedEngine) Name() string {
	return c.inner.Name()
}

// Size returns the number of memoized vectors.
func (c *CachedEngine) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

package embedder

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/cespare/xxhash/v2"
)

// Cached wraps an Embedder with an in-process cache keyed by content
// hash. The analyzer embeds a candidate during dedup and the backfill
// worker embeds the same text again shortly after; caching collapses
// those into one provider call.
type Cached struct {
	inner Embedder
	cache *ristretto.Cache
}

var _ Embedder = (*Cached)(nil)

// NewCached creates the caching wrapper. maxEntries bounds the number
// of cached vectors (default 4096).
func NewCached(inner Embedder, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector when present, otherwise delegates
// and caches the result. Provider errors are never cached.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := xxhash.Sum64String(text)
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, 1)
	return vec, nil
}

// Dimensions returns the inner provider's vector size.
func (c *Cached) Dimensions() int {
	return c.inner.Dimensions()
}

// Close releases cache resources.
func (c *Cached) Close() {
	c.cache.Close()
}

package embedding

import (
	"context"

	"github.com/dgraph-io/ristretto/v2"
)

// CachedEmbedder memoizes another Embedder in a bounded ristretto cache, so
// repeated queries skip the backend.
type CachedEmbedder struct {
	next  Embedder
	cache *ristretto.Cache[string, []float32]
}

// NewCachedEmbedder wraps next with a cache holding up to size embeddings.
func NewCachedEmbedder(next Embedder, size int64) (*CachedEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

// Embed returns the cached vector for text or computes and caches it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return append([]float32(nil), vec...), nil
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Dimensions returns the wrapped embedder's size.
func (c *CachedEmbedder) Dimensions() int {
	return c.next.Dimensions()
}

// Wait blocks until pending cache writes are applied.
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}

// Close releases the cache.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}

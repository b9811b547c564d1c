package ai

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/seanblong/repotalk/internal/metrics"
)

const DefaultQueryCacheBytes = 32 << 20

// CachedClient memoizes query embeddings in process. Repeated questions
// against a repository skip the provider round trip. Document embeddings and
// generation are passed through.
type CachedClient struct {
	Client
	cache *ristretto.Cache[string, []float32]
	ttl   time.Duration
}

// NewCachedClient wraps inner with a query embedding cache of at most
// maxBytes. Entries expire after ttl; zero means no expiry.
func NewCachedClient(inner Client, maxBytes int64, ttl time.Duration) (*CachedClient, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultQueryCacheBytes
	}
	counters := maxBytes / 1024 * 10
	if counters < 1000 {
		counters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedClient{Client: inner, cache: c, ttl: ttl}, nil
}

func (c *CachedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		metrics.RecordQueryCache(true)
		return vec, nil
	}
	metrics.RecordQueryCache(false)

	vec, err := c.Client.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(text, vec, int64(len(vec)*4+len(text)), c.ttl)
	c.cache.Wait()
	return vec, nil
}

// Close releases the cache; the wrapped client is not closed.
func (c *CachedClient) Close() {
	c.cache.Close()
}

package embeddings

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// CachedProvider keeps recent vectors in an LRU keyed by text. Learning
// insights are embedded on every pass that considers them, so hits are the
// common case.
type CachedProvider struct {
	next    Provider
	model   string
	cache   *lru.Cache[string, []float32]
	metrics *Metrics
}

var _ Provider = (*CachedProvider)(nil)

// NewCachedProvider wraps next with a cache of size entries.
func NewCachedProvider(next Provider, model string, size int, logger *zap.Logger) (*CachedProvider, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("%w: cache size %d: %v", ErrInvalidConfig, size, err)
	}
	return &CachedProvider{next: next, model: model, cache: cache, metrics: NewMetrics(logger)}, nil
}

// Embed returns a cached vector when present.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		c.metrics.RecordCacheHit(ctx, c.model)
		return v, nil
	}
	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, v)
	return v, nil
}

// EmbedBatch only sends the texts that miss the cache.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	var (
		missing []string
		at      []int
	)
	for i, t := range texts {
		if v, ok := c.cache.Get(t); ok {
			c.metrics.RecordCacheHit(ctx, c.model)
			out[i] = v
			continue
		}
		missing = append(missing, t)
		at = append(at, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	vecs, err := c.next.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range vecs {
		out[at[j]] = v
		c.cache.Add(missing[j], v)
	}
	return out, nil
}

func (c *CachedProvider) Dimension() int { return c.next.Dimension() }

// Len reports the number of cached vectors.
func (c *CachedProvider) Len() int { return c.cache.Len() }

func (c *CachedProvider) Close() error {
	c.cache.Purge()
	return c.next.Close()
}

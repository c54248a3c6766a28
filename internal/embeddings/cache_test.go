package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCachedTEI(t *testing.T, size int) (*fakeTEI, *CachedProvider) {
	t.Helper()
	f, srv := newFakeTEI(t)
	svc, err := NewService(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	c, err := NewCachedProvider(&teiProvider{Service: svc, dimension: 2}, "test", size, nil)
	require.NoError(t, err)
	return f, c
}

func TestCachedProvider_EmbedHitsCache(t *testing.T) {
	f, c := newCachedTEI(t, 4)
	ctx := context.Background()

	first, err := c.Embed(ctx, "insight")
	require.NoError(t, err)
	second, err := c.Embed(ctx, "insight")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 2, c.Dimension())
}

func TestCachedProvider_BatchSendsOnlyMisses(t *testing.T) {
	f, c := newCachedTEI(t, 4)
	ctx := context.Background()

	_, err := c.Embed(ctx, "aa")
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(ctx, []string{"aa", "bbbb", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(2), vecs[0][0])
	assert.Equal(t, float32(4), vecs[1][0])
	assert.Equal(t, float32(1), vecs[2][0])
	assert.Equal(t, int32(2), f.calls.Load())

	_, err = c.EmbedBatch(ctx, []string{"c", "aa"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestCachedProvider_Evicts(t *testing.T) {
	f, c := newCachedTEI(t, 1)
	ctx := context.Background()
	for _, s := range []string{"a", "b", "a"} {
		_, err := c.Embed(ctx, s)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), f.calls.Load())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.Len())
}

func TestNewCachedProvider_InvalidSize(t *testing.T) {
	_, err := NewCachedProvider(nil, "m", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

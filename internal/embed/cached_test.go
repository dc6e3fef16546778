package embed

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder records how many provider calls reach it.
type countingEmbedder struct {
	*StaticEmbedder
	calls atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(int64(len(texts)))
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedderHitsSkipProvider(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder(64)}
	cached, err := NewCachedEmbedder(inner, 10)
	require.NoError(t, err)
	ctx := context.Background()

	v1, err := cached.Embed(ctx, "tokyo time")
	require.NoError(t, err)
	v2, err := cached.Embed(ctx, "tokyo time")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int64(1), inner.calls.Load())

	stats := cached.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCachedEmbedderBatchOnlyForwardsMisses(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder(64)}
	cached, err := NewCachedEmbedder(inner, 10)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cached.Embed(ctx, "beta")
	require.NoError(t, err)

	vecs, err := cached.EmbedBatch(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	// "beta" was already cached, so only two texts reach the provider.
	assert.Equal(t, int64(3), inner.calls.Load())

	expected, _ := inner.StaticEmbedder.Embed(ctx, "beta")
	assert.Equal(t, expected, vecs[1])
}

func TestCachedEmbedderEviction(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder(64)}
	cached, err := NewCachedEmbedder(inner, 2)
	require.NoError(t, err)
	ctx := context.Background()

	_, _ = cached.Embed(ctx, "a")
	_, _ = cached.Embed(ctx, "b")
	_, _ = cached.Embed(ctx, "c") // evicts "a"
	_, _ = cached.Embed(ctx, "a") // miss again

	assert.Equal(t, int64(4), inner.calls.Load())
	assert.Equal(t, 2, cached.Stats().Size)
}

func TestCachedEmbedderDelegatesIdentity(t *testing.T) {
	cached, err := NewCachedEmbedder(NewStaticEmbedder(96), 4)
	require.NoError(t, err)

	assert.Equal(t, 96, cached.Dimensions())
	assert.Equal(t, "static-fnv", cached.ModelName())
	assert.NoError(t, cached.Available(context.Background()))
	assert.NoError(t, cached.Close())
}

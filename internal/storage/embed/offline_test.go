package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vecNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func TestOfflineDimension(t *testing.T) {
	assert.Equal(t, 64, NewOffline(64).Dimension())
	assert.Equal(t, 384, NewOffline(0).Dimension(), "default dimension")
	assert.Equal(t, 384, NewOffline(-1).Dimension())
}

func TestOfflineDeterministic(t *testing.T) {
	e := NewOffline(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "postgres connection pooling")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "postgres connection pooling")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestOfflineCaseAndPunctuationInsensitive(t *testing.T) {
	e := NewOffline(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Postgres Connection-Pooling!")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "postgres connection pooling")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestOfflineUnitNorm(t *testing.T) {
	e := NewOffline(64)
	vec, err := e.Embed(context.Background(), "some nontrivial text about caching")
	require.NoError(t, err)
	require.Len(t, vec, 64)
	assert.InDelta(t, 1.0, vecNorm(vec), 1e-5)
}

func TestOfflineEmptyTextIsZeroVector(t *testing.T) {
	e := NewOffline(16)
	vec, err := e.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, vecNorm(vec))
}

func TestOfflineDistinctTextsDiffer(t *testing.T) {
	e := NewOffline(384)
	ctx := context.Background()

	a, err := e.Embed(ctx, "redis cache eviction policy")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "kubernetes pod scheduling")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOfflineEmbedBatch(t *testing.T) {
	e := NewOffline(32)
	ctx := context.Background()

	vecs, err := e.EmbedBatch(ctx, []string{"first text", "second text"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	single, err := e.Embed(ctx, "first text")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[0])
	assert.NotEqual(t, vecs[0], vecs[1])
}

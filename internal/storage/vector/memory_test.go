package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCollectionIdempotent(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	require.NoError(t, idx.EnsureCollection(ctx, "memories", 4))
	assert.NoError(t, idx.EnsureCollection(ctx, "memories", 4))
	assert.Error(t, idx.EnsureCollection(ctx, "memories", 8), "dimension conflict")
}

func TestUpsertRequiresCollection(t *testing.T) {
	idx := NewMemoryIndex()
	err := idx.Upsert(context.Background(), "absent", []Point{{ID: "a", Vector: []float32{1}}})
	assert.Error(t, err)
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.EnsureCollection(ctx, "memories", 4))

	err := idx.Upsert(ctx, "memories", []Point{{ID: "a", Vector: []float32{1, 0}}})
	assert.Error(t, err)
}

func TestSearchRanksByCosine(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.EnsureCollection(ctx, "memories", 3))
	require.NoError(t, idx.Upsert(ctx, "memories", []Point{
		{ID: "exact", Vector: []float32{1, 0, 0}},
		{ID: "near", Vector: []float32{1, 1, 0}},
		{ID: "orthogonal", Vector: []float32{0, 0, 1}},
	}))

	hits, err := idx.Search(ctx, "memories", []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "exact", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Equal(t, "near", hits[1].ID)
	assert.InDelta(t, 0.7071, hits[1].Score, 1e-3)
	assert.Equal(t, "orthogonal", hits[2].ID)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-9)
}

func TestSearchHonorsTopK(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.EnsureCollection(ctx, "memories", 2))
	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Upsert(ctx, "memories", []Point{
			{ID: string(rune('a' + i)), Vector: []float32{1, float32(i)}},
		}))
	}

	hits, err := idx.Search(ctx, "memories", []float32{1, 0}, 3, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestSearchFiltersOnPayload(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.EnsureCollection(ctx, "memories", 2))
	require.NoError(t, idx.Upsert(ctx, "memories", []Point{
		{ID: "p1-a", Vector: []float32{1, 0}, Payload: map[string]any{"project_id": "p1"}},
		{ID: "p2-a", Vector: []float32{1, 0}, Payload: map[string]any{"project_id": "p2"}},
	}))

	hits, err := idx.Search(ctx, "memories", []float32{1, 0}, 10, Filter{"project_id": "p1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p1-a", hits[0].ID)

	hits, err = idx.Search(ctx, "memories", []float32{1, 0}, 10, Filter{"project_id": "p3"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestUpsertOverwritesByID(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.EnsureCollection(ctx, "memories", 2))
	require.NoError(t, idx.Upsert(ctx, "memories", []Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{"v": "old"}},
	}))
	require.NoError(t, idx.Upsert(ctx, "memories", []Point{
		{ID: "a", Vector: []float32{0, 1}, Payload: map[string]any{"v": "new"}},
	}))

	hits, err := idx.Search(ctx, "memories", []float32{0, 1}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "new", hits[0].Payload["v"])
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
}

func TestDeleteTolerantOfMissingIDs(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.EnsureCollection(ctx, "memories", 2))
	require.NoError(t, idx.Upsert(ctx, "memories", []Point{
		{ID: "a", Vector: []float32{1, 0}},
	}))

	require.NoError(t, idx.Delete(ctx, "memories", []string{"a", "never-existed"}))
	hits, err := idx.Search(ctx, "memories", []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.Error(t, idx.Delete(ctx, "absent", []string{"a"}))
}

func TestCosineEdgeCases(t *testing.T) {
	assert.Zero(t, cosine([]float32{1, 0}, []float32{1}))
	assert.Zero(t, cosine(nil, nil))
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 0}))
	assert.InDelta(t, -1.0, cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}

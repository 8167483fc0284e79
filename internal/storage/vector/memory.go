package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// memoryIndex is a brute-force cosine index used when no networked
// service is configured. Suitable for single-node deployments and
// tests; search is O(points).
type memoryIndex struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	dimension int
	points    map[string]Point
}

// NewMemoryIndex returns an in-process Index.
func NewMemoryIndex() Index {
	return &memoryIndex{collections: map[string]*memoryCollection{}}
}

func (x *memoryIndex) EnsureCollection(_ context.Context, name string, dimension int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if c, ok := x.collections[name]; ok {
		if c.dimension != dimension {
			return fmt.Errorf("collection %s exists with dimension %d, want %d", name, c.dimension, dimension)
		}
		return nil
	}
	x.collections[name] = &memoryCollection{dimension: dimension, points: map[string]Point{}}
	return nil
}

func (x *memoryIndex) Upsert(_ context.Context, collection string, points []Point) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.collections[collection]
	if !ok {
		return fmt.Errorf("unknown collection %s", collection)
	}
	for _, p := range points {
		if len(p.Vector) != c.dimension {
			return fmt.Errorf("point %s: dimension %d, want %d", p.ID, len(p.Vector), c.dimension)
		}
		c.points[p.ID] = p
	}
	return nil
}

func (x *memoryIndex) Search(_ context.Context, collection string, vec []float32, topK int, filter Filter) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.collections[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %s", collection)
	}

	hits := make([]Hit, 0, len(c.points))
	for _, p := range c.points {
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		hits = append(hits, Hit{ID: p.ID, Score: cosine(vec, p.Vector), Payload: p.Payload})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (x *memoryIndex) Delete(_ context.Context, collection string, ids []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.collections[collection]
	if !ok {
		return fmt.Errorf("unknown collection %s", collection)
	}
	for _, id := range ids {
		delete(c.points, id)
	}
	return nil
}

func (x *memoryIndex) Ping(context.Context) error { return nil }
func (x *memoryIndex) Close() error               { return nil }

func matchesFilter(payload map[string]any, filter Filter) bool {
	for field, want := range filter {
		if payload[field] != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

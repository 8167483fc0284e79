// Package vector provides the semantic search index used by the
// mid-tier memory. A networked index is used when configured; otherwise
// an in-process brute-force index serves the same contract.
package vector

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the index cannot be reached (or its
// circuit breaker is open).
var ErrUnavailable = errors.New("vector index unavailable")

// Point is one stored vector with its payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Hit is one search result.
type Hit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Filter restricts a search to points whose payload matches every
// listed field exactly.
type Filter map[string]any

// Index is the vector search contract.
type Index interface {
	// EnsureCollection creates the named collection when absent.
	EnsureCollection(ctx context.Context, name string, dimension int) error

	// Upsert inserts or replaces points by id.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the topK nearest points by cosine similarity,
	// optionally restricted by filter.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Hit, error)

	// Delete removes points by id. Missing ids are not an error.
	Delete(ctx context.Context, collection string, ids []string) error

	Ping(ctx context.Context) error
	Close() error
}

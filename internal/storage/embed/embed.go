// Package embed turns text into vectors for the mid-tier memory index.
// A remote embedding service is used when configured; the offline
// embedder produces deterministic vectors with no network dependency.
package embed

import "context"

// Embedder is the text-to-vector contract.
type Embedder interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector width this embedder produces.
	Dimension() int
}

package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// offlineEmbedder maps each token to a dimension by FNV hash and
// accumulates counts, then unit-normalizes. Not semantically meaningful,
// but deterministic: identical texts always land on identical vectors,
// which keeps search exact-match useful with no model dependency.
type offlineEmbedder struct {
	dimension int
}

// NewOffline returns a deterministic local Embedder.
func NewOffline(dimension int) Embedder {
	if dimension <= 0 {
		dimension = 384
	}
	return &offlineEmbedder{dimension: dimension}
}

func (e *offlineEmbedder) Dimension() int { return e.dimension }

func (e *offlineEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum32()
		idx := int(sum % uint32(e.dimension))
		// The second hash bit decides sign so common tokens do not all
		// push the vector into the positive orthant.
		if sum&0x80000000 != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	normalize(vec)
	return vec, nil
}

func (e *offlineEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
}

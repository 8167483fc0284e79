package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when the embedding service cannot be
// reached or its circuit breaker is open.
var ErrUnavailable = errors.New("embedding service unavailable")

// RemoteOptions configures the HTTP embedder.
type RemoteOptions struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
}

type remoteEmbedder struct {
	opts    RemoteOptions
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRemote returns an Embedder backed by an OpenAI-compatible
// /embeddings endpoint.
func NewRemote(opts RemoteOptions) Embedder {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embedder",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &remoteEmbedder{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		breaker: breaker,
	}
}

func (e *remoteEmbedder) Dimension() int { return e.opts.Dimension }

func (e *remoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *remoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	result, err := e.breaker.Execute(func() (any, error) {
		payload := map[string]any{
			"model": e.opts.Model,
			"input": texts,
		}
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.BaseURL+"/embeddings", bytes.NewReader(buf))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if e.opts.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.opts.APIKey)
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("embeddings: status %d: %s", resp.StatusCode, data)
		}

		var out struct {
			Data []struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode embeddings: %w", err)
		}
		if len(out.Data) != len(texts) {
			return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(out.Data), len(texts))
		}
		vecs := make([][]float32, len(texts))
		for _, d := range out.Data {
			if d.Index < 0 || d.Index >= len(vecs) {
				return nil, fmt.Errorf("embeddings: index %d out of range", d.Index)
			}
			vecs[d.Index] = d.Embedding
		}
		return vecs, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return result.([][]float32), nil
}

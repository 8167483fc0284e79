package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// HNSW parameters. efConstruct trades indexing time for recall; the
// per-query beam width scales with top_k between the ef bounds.
const (
	hnswM           = 32
	hnswEfConstruct = 400
	hnswEfMin       = 64
	hnswEfMax       = 128
)

// searchEf returns the query beam width: 2·topK clamped to
// [hnswEfMin, hnswEfMax].
func searchEf(topK int) int {
	ef := 2 * topK
	if ef < hnswEfMin {
		return hnswEfMin
	}
	if ef > hnswEfMax {
		return hnswEfMax
	}
	return ef
}

type restIndex struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRESTIndex returns an Index backed by a Qdrant-compatible REST API.
// Calls flow through a circuit breaker: after repeated failures the
// breaker opens and calls fail fast with ErrUnavailable until the
// service recovers.
func NewRESTIndex(baseURL string, timeout time.Duration) Index {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "vector-index",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &restIndex{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (x *restIndex) do(ctx context.Context, method, path string, body, out any) error {
	_, err := x.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, method, x.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := x.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("vector index %s %s: status %d: %s", method, path, resp.StatusCode, data)
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return nil, fmt.Errorf("decode vector response: %w", err)
			}
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (x *restIndex) EnsureCollection(ctx context.Context, name string, dimension int) error {
	var info struct {
		Status string `json:"status"`
	}
	if err := x.do(ctx, http.MethodGet, "/collections/"+name, nil, &info); err == nil {
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
		"hnsw_config": map[string]any{
			"m":            hnswM,
			"ef_construct": hnswEfConstruct,
		},
	}
	if err := x.do(ctx, http.MethodPut, "/collections/"+name, body, nil); err != nil {
		return fmt.Errorf("ensure collection %s: %w", name, err)
	}
	return nil
}

func (x *restIndex) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	type wirePoint struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload,omitempty"`
	}
	wire := make([]wirePoint, len(points))
	for i, p := range points {
		wire[i] = wirePoint{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}
	body := map[string]any{"points": wire}
	if err := x.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil); err != nil {
		return fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return nil
}

func (x *restIndex) Search(ctx context.Context, collection string, vec []float32, topK int, filter Filter) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	body := map[string]any{
		"vector":       vec,
		"limit":        topK,
		"with_payload": true,
		"params":       map[string]any{"hnsw_ef": searchEf(topK)},
	}
	if len(filter) > 0 {
		must := make([]map[string]any, 0, len(filter))
		for field, value := range filter {
			must = append(must, map[string]any{
				"key":   field,
				"match": map[string]any{"value": value},
			})
		}
		body["filter"] = map[string]any{"must": must}
	}

	var out struct {
		Result []struct {
			ID      string         `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := x.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &out); err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	hits := make([]Hit, len(out.Result))
	for i, r := range out.Result {
		hits[i] = Hit{ID: r.ID, Score: r.Score, Payload: r.Payload}
	}
	return hits, nil
}

func (x *restIndex) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"points": ids}
	if err := x.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil); err != nil {
		return fmt.Errorf("delete %d points: %w", len(ids), err)
	}
	return nil
}

func (x *restIndex) Ping(ctx context.Context) error {
	return x.do(ctx, http.MethodGet, "/collections", nil, nil)
}

func (x *restIndex) Close() error {
	x.client.CloseIdleConnections()
	return nil
}

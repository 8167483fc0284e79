package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchEfScalesWithTopK(t *testing.T) {
	for _, tc := range []struct {
		topK, want int
	}{
		{topK: 1, want: 64},
		{topK: 5, want: 64},
		{topK: 32, want: 64},
		{topK: 40, want: 80},
		{topK: 64, want: 128},
		{topK: 500, want: 128},
	} {
		assert.Equal(t, tc.want, searchEf(tc.topK), "top_k %d", tc.topK)
	}
}

func TestRESTSearchSendsBeamWidth(t *testing.T) {
	type searchBody struct {
		Limit  int `json:"limit"`
		Params struct {
			HnswEf int `json:"hnsw_ef"`
		} `json:"params"`
	}
	bodies := make(chan searchBody, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/mem/points/search" {
			_ = json.NewEncoder(w).Encode(map[string]any{})
			return
		}
		var body searchBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		_ = json.NewEncoder(w).Encode(map[string]any{"result": []any{}})
	}))
	defer srv.Close()

	x := NewRESTIndex(srv.URL, time.Second)
	ctx := context.Background()

	_, err := x.Search(ctx, "mem", []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	got := <-bodies
	assert.Equal(t, 5, got.Limit)
	assert.Equal(t, 64, got.Params.HnswEf)

	_, err = x.Search(ctx, "mem", []float32{1, 0}, 50, nil)
	require.NoError(t, err)
	got = <-bodies
	assert.Equal(t, 100, got.Params.HnswEf)
}

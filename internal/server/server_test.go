package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/contextd/contextd/internal/bus"
	"github.com/contextd/contextd/internal/cache"
	"github.com/contextd/contextd/internal/config"
	"github.com/contextd/contextd/internal/mcp"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/metrics"
	"github.com/contextd/contextd/internal/pool"
	"github.com/contextd/contextd/internal/storage"
	"github.com/contextd/contextd/internal/storage/embed"
	"github.com/contextd/contextd/internal/storage/kv"
	"github.com/contextd/contextd/internal/storage/vector"
	"github.com/contextd/contextd/internal/transport"
)

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *Server {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{}
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 8799
	cfg.API.RateLimitRPS = 1000
	cfg.API.MaxConnections = 16
	cfg.API.ShutdownGraceS = 1
	if mutate != nil {
		mutate(cfg)
	}

	dbPool, err := pool.New(storage.SQLiteOpener(filepath.Join(t.TempDir(), "server_test.db")), pool.Config{
		Size: 2, MinSize: 1, MaxSize: 4, ReuseHandle: true,
	}, nil)
	require.NoError(t, err)
	store, err := storage.NewSQLStore(dbPool, "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	kvClient, err := kv.NewClient(ctx, kv.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvClient.Close() })

	events := bus.New(nil)
	index := vector.NewMemoryIndex()
	embedder := embed.NewOffline(32)

	responseCache, err := cache.New(cache.Options{L1Capacity: 64, L1TTL: time.Minute, L2: kvClient})
	require.NoError(t, err)

	engine, err := memory.NewEngine(ctx, memory.Options{
		Store: store, KV: kvClient, Index: index, Embedder: embedder, Bus: events,
	})
	require.NoError(t, err)

	registry := mcp.NewRegistry()
	require.NoError(t, registry.Register(&mcp.Tool{
		Name:        "echo",
		Description: "returns its msg argument",
		Category:    "test",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["msg"]}, nil
		},
	}))
	dispatcher := mcp.NewDispatcher(mcp.DispatcherOptions{
		Registry: registry, MaxConcurrent: 4, DefaultTimeout: time.Second,
	})
	mets := metrics.New()
	endpoint := transport.NewEndpoint(dispatcher, responseCache, transport.ServerInfo{
		Name: "contextd", Version: Version,
	}, mets, nil)

	return New(Deps{
		Config:     cfg,
		Logger:     zap.NewNop(),
		Metrics:    mets,
		Bus:        events,
		Pool:       dbPool,
		Store:      store,
		KV:         kvClient,
		Vector:     index,
		Cache:      responseCache,
		Memory:     engine,
		Dispatcher: dispatcher,
		Endpoint:   endpoint,
	})
}

func TestHealthEndpointOpen(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.API.APIKeys = []string{"secret"}
	})
	h := s.routes()

	for _, path := range []string{"/health", "/api/v1/health"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, "path %s needs no credentials", path)

		var body struct {
			Status       string          `json:"status"`
			Dependencies map[string]bool `json:"dependencies"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body.Status)
		assert.True(t, body.Dependencies["database"])
	}
}

func TestHealthEndpointDegraded(t *testing.T) {
	s := newTestServer(t, nil)
	s.healthMu.Lock()
	s.health.KVOK = false
	s.healthMu.Unlock()

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestMetricsEndpointOpen(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.API.APIKeys = []string{"secret"}
	})
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRPCRequiresAuth(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.API.APIKeys = []string{"secret"}
	})
	h := s.routes()

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), transport.ProtocolVersion)
}

func TestRPCToolCall(t *testing.T) {
	s := newTestServer(t, nil)

	body := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"msg":"ping"}}}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result map[string]any `json:"result"`
		Error  *mcp.Error     `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	assert.Equal(t, "ping", resp.Result["echo"])
}

func TestIPAllowlistOnProtectedRoutes(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.API.AllowedIPs = []string{"10.0.0.5"}
	})
	h := s.routes()

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = "192.168.1.2:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = "10.0.0.5:40000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.routes()

	// One tool call so the summary has data.
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		UptimeSeconds float64 `json:"uptime_seconds"`
		Requests      struct {
			Total       int     `json:"total_requests"`
			SuccessRate float64 `json:"success_rate"`
		} `json:"requests"`
		RecentInvocations []mcp.Invocation `json:"recent_invocations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Requests.Total)
	assert.Equal(t, 1.0, stats.Requests.SuccessRate)
	require.Len(t, stats.RecentInvocations, 1)
	assert.Equal(t, "echo", stats.RecentInvocations[0].ToolName)
}

func TestUnifiedStatsSelectsSections(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var all map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	for _, section := range []string{"requests", "pool", "cache", "memory", "connections"} {
		assert.Contains(t, all, section)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats?include=pool,cache", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var subset map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &subset))
	assert.Contains(t, subset, "pool")
	assert.Contains(t, subset, "cache")
	assert.NotContains(t, subset, "requests")
	assert.NotContains(t, subset, "memory")
}

func TestHealthReportsCounters(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.routes()

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		ToolCount         int   `json:"tool_count"`
		ActiveConnections int64 `json:"active_connections"`
		TotalRequests     int   `json:"total_requests"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out.ToolCount)
	assert.Equal(t, 1, out.TotalRequests)
	assert.Equal(t, int64(1), out.ActiveConnections, "the in-flight health request counts")
}

func TestLegacyStatsAliases(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.routes()

	for path, section := range map[string]string{
		"/api/overview/stats": "system",
		"/api/pool/stats":     "pool",
		"/api/vector/stats":   "vector",
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)

		var out map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Contains(t, out, section, path)
		assert.NotContains(t, out, "cache", path)
	}
}

func TestUnifiedStatsSystemSection(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats?include=system,vector", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out, "vector")
	assert.NotContains(t, out, "pool")

	system, ok := out["system"].(map[string]any)
	require.True(t, ok)
	for _, field := range []string{
		"total_requests", "successful_requests", "failed_requests",
		"avg_response_time", "active_connections", "cpu_usage",
		"memory_usage", "uptime", "timestamp",
	} {
		assert.Contains(t, system, field)
	}
}

func TestUnifiedStatsPrometheusFormat(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats?format=prometheus", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mcp_requests_total")
}

func TestPublishSystemStatsEmitsStatsUpdate(t *testing.T) {
	s := newTestServer(t, nil)
	sub := s.deps.Bus.NewSubscriber("test")
	require.NoError(t, s.deps.Bus.Subscribe(sub, bus.ChannelSystemStats))

	s.publishSystemStats(context.Background())

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "stats_update", ev.Type)
		for _, field := range []string{
			"total_requests", "successful_requests", "failed_requests",
			"avg_response_time", "active_connections", "cpu_usage",
			"memory_usage", "uptime", "timestamp",
		} {
			assert.Contains(t, ev.Data, field)
		}
	default:
		t.Fatal("no stats_update event")
	}
}

func TestApplyConfigRaisesRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.API.RateLimitRPS = 1
	})
	require.True(t, s.limiter.Allow("10.0.0.9"))
	require.False(t, s.limiter.Allow("10.0.0.9"), "budget of one exhausted")

	next := &config.Config{}
	next.API.RateLimitRPS = 50
	s.ApplyConfig(context.Background(), next)

	assert.True(t, s.limiter.Allow("10.0.0.9"), "reloaded budget applies immediately")
}

func TestUnifiedStatsTextFormat(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats?format=text&include=connections", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "connections")
}

func TestInfoPageListsTools(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "echo")
}

func TestAdminPage(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Pool")
}

func TestCORSHeadersWhenEnabled(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.API.CORSEnabled = true
	})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTriggerShutdownIdempotent(t *testing.T) {
	s := newTestServer(t, nil)
	assert.NotPanics(t, func() {
		s.TriggerShutdown()
		s.TriggerShutdown()
	})
	select {
	case <-s.shutdownCh:
	default:
		t.Fatal("shutdown channel not closed")
	}
}

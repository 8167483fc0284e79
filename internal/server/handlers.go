package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/contextd/contextd/internal/mcp"
	"github.com/contextd/contextd/internal/transport"
)

const rpcMaxBody = 4 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleRPC serves a single JSON-RPC request per POST body.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, rpcMaxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, mcp.NewErrorResponse(nil, mcp.CodeParseError, "unreadable body"))
		return
	}
	resp := s.deps.Endpoint.HandleRaw(r.Context(), body, principalOf(r))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// principalOf labels the caller for invocation records: the remote
// address, since API keys are shared secrets rather than identities.
func principalOf(r *http.Request) string {
	return "http:" + r.RemoteAddr
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("client_id")
	if connID == "" {
		connID = uuid.NewString()
	}
	if !s.tracker.Add(transport.ConnRecord{
		ConnID:     connID,
		Transport:  "ws",
		RemoteAddr: r.RemoteAddr,
	}, func() { s.hub.CloseClient(connID) }) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "server at connection capacity"})
		return
	}
	defer s.tracker.Remove(connID)
	s.hub.Serve(w, r, connID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.healthMu.Lock()
	health := s.health
	s.healthMu.Unlock()

	status := "healthy"
	code := http.StatusOK
	if !health.healthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":             status,
		"version":            Version,
		"uptime_seconds":     time.Since(s.startedAt).Seconds(),
		"tool_count":         s.deps.Dispatcher.Registry().Len(),
		"active_connections": s.activeConnections(),
		"total_requests":     summarize(s.deps.Dispatcher.RecentInvocations(0)).Total,
		"dependencies": map[string]bool{
			"database":     health.DatabaseOK,
			"kv_cache":     health.KVOK,
			"vector_index": health.VectorOK,
		},
		"checked_at": health.CheckedAt.Format(time.RFC3339),
	})
}

// invocationSummary aggregates the dispatcher ring for /stats.
type invocationSummary struct {
	Total           int     `json:"total_requests"`
	Successful      int     `json:"successful_requests"`
	Failed          int     `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
	AvgResponseTime float64 `json:"avg_response_time_s"`
}

func summarize(invocations []mcp.Invocation) invocationSummary {
	var sum invocationSummary
	var totalSecs float64
	for _, inv := range invocations {
		sum.Total++
		if inv.Status == mcp.StatusOK {
			sum.Successful++
		} else {
			sum.Failed++
		}
		totalSecs += inv.End.Sub(inv.Start).Seconds()
	}
	if sum.Total > 0 {
		sum.SuccessRate = float64(sum.Successful) / float64(sum.Total)
		sum.AvgResponseTime = totalSecs / float64(sum.Total)
	}
	return sum
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	recent := s.deps.Dispatcher.RecentInvocations(0)
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":     time.Since(s.startedAt).Seconds(),
		"active_connections": s.activeConnections(),
		"requests":           summarize(recent),
		"recent_invocations": s.deps.Dispatcher.RecentInvocations(100),
	})
}

// handleUnifiedStats serves /api/v1/stats with include and format
// parameters. include is a comma-separated subset of
// {system,pool,vector,requests,cache,memory,connections}; format json
// (default), text, or prometheus.
func (s *Server) handleUnifiedStats(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "prometheus" {
		s.deps.Metrics.Handler().ServeHTTP(w, r)
		return
	}

	include := map[string]bool{}
	if raw := r.URL.Query().Get("include"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			include[strings.TrimSpace(part)] = true
		}
	}
	s.writeUnifiedStats(w, r, func(section string) bool {
		return len(include) == 0 || include[section]
	})
}

// handleLegacyStats serves the single-section alias endpoints.
func (s *Server) handleLegacyStats(section string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeUnifiedStats(w, r, func(got string) bool { return got == section })
	}
}

func (s *Server) writeUnifiedStats(w http.ResponseWriter, r *http.Request, want func(section string) bool) {
	out := map[string]any{
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	}
	if want("system") {
		out["system"] = s.systemSnapshot(r.Context())
	}
	if want("requests") {
		out["requests"] = summarize(s.deps.Dispatcher.RecentInvocations(0))
	}
	if want("pool") && s.deps.Pool != nil {
		out["pool"] = s.deps.Pool.Snapshot()
	}
	if want("cache") && s.deps.Cache != nil {
		out["cache"] = s.deps.Cache.Stats()
	}
	if want("vector") && s.deps.Memory != nil {
		out["vector"] = s.deps.Memory.Stats()
	}
	if want("memory") && s.deps.Memory != nil {
		out["memory"] = s.deps.Memory.Stats()
	}
	if want("connections") {
		out["connections"] = map[string]any{
			"active":    s.activeConnections(),
			"websocket": s.hub.Count(),
			"max":       s.deps.Config.API.MaxConnections,
		}
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		encoded, _ := json.MarshalIndent(out, "", "  ")
		_, _ = w.Write(encoded)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) activeConnections() int64 {
	return s.admit.InFlight() + int64(s.hub.Count())
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	tools := s.deps.Dispatcher.Registry().List()
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><title>contextd</title></head><body>")
	fmt.Fprintf(&b, "<h1>contextd %s</h1>", Version)
	fmt.Fprintf(&b, "<p>Uptime: %s. Registered tools: %d.</p>", time.Since(s.startedAt).Round(time.Second), len(tools))
	b.WriteString("<table border='1'><tr><th>Tool</th><th>Category</th><th>Description</th></tr>")
	for _, t := range tools {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td></tr>", t.Name, t.Category, t.Description)
	}
	b.WriteString("</table></body></html>")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	s.healthMu.Lock()
	health := s.health
	s.healthMu.Unlock()

	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><title>contextd admin</title></head><body>")
	b.WriteString("<h1>contextd admin</h1>")
	fmt.Fprintf(&b, "<p>Uptime: %s</p>", time.Since(s.startedAt).Round(time.Second))
	fmt.Fprintf(&b, "<p>Database: %v | KV: %v | Vector: %v</p>", health.DatabaseOK, health.KVOK, health.VectorOK)
	fmt.Fprintf(&b, "<p>Active connections: %d (ws %d)</p>", s.activeConnections(), s.hub.Count())
	if s.deps.Pool != nil {
		snap := s.deps.Pool.Snapshot()
		fmt.Fprintf(&b, "<p>Pool: size %d, checked out %d, utilization %.0f%%</p>",
			snap.PoolSize, snap.CheckedOut, snap.Utilization*100)
	}
	b.WriteString(`<p><a href="/stats">stats</a> | <a href="/metrics">metrics</a> | <a href="/info">info</a></p>`)
	b.WriteString("</body></html>")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}

// Package metrics exposes the server's Prometheus instruments on a
// dedicated registry, so GET /metrics serves exactly the mcp_* set and
// nothing else.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server instruments.
type Metrics struct {
	registry *prometheus.Registry

	UptimeSeconds      prometheus.Gauge
	ActiveConnections  prometheus.Gauge
	RequestsTotal      prometheus.Counter
	RequestsSuccessful prometheus.Counter
	RequestsFailed     prometheus.Counter
	ResponseTime       prometheus.Summary
}

// New creates the instruments on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		UptimeSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_uptime_seconds",
			Help: "Seconds since the server started",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_active_connections",
			Help: "Current number of active connections across transports",
		}),
		RequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_requests_total",
			Help: "Total number of tool invocations",
		}),
		RequestsSuccessful: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_requests_successful",
			Help: "Total number of tool invocations that succeeded",
		}),
		RequestsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_requests_failed",
			Help: "Total number of tool invocations that failed",
		}),
		ResponseTime: factory.NewSummary(prometheus.SummaryOpts{
			Name:       "mcp_response_time_avg",
			Help:       "Tool invocation response time in seconds",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
	}
}

// ObserveRequest records one completed invocation.
func (m *Metrics) ObserveRequest(duration time.Duration, success bool) {
	m.RequestsTotal.Inc()
	if success {
		m.RequestsSuccessful.Inc()
	} else {
		m.RequestsFailed.Inc()
	}
	m.ResponseTime.Observe(duration.Seconds())
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

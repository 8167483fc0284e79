package server

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/contextd/contextd/internal/bus"
)

const (
	statsInterval   = 5 * time.Second
	reapInterval    = 30 * time.Second
	connIdleTimeout = 5 * time.Minute
	probeTimeout    = 3 * time.Second
)

// statsLoop samples host metrics, refreshes the Prometheus gauges, and
// probes the storage dependencies on a fixed interval.
func (s *Server) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishSystemStats(ctx)
			s.probeDependencies(ctx)
		}
	}
}

// systemSnapshot builds the system stats payload shared by the bus
// publisher and the stats endpoints. The usage fields are percentages;
// failed host probes leave them at zero rather than absent.
func (s *Server) systemSnapshot(ctx context.Context) map[string]any {
	sum := summarize(s.deps.Dispatcher.RecentInvocations(0))
	stats := map[string]any{
		"total_requests":      sum.Total,
		"successful_requests": sum.Successful,
		"failed_requests":     sum.Failed,
		"avg_response_time":   sum.AvgResponseTime * 1000,
		"active_connections":  s.activeConnections(),
		"cpu_usage":           0.0,
		"memory_usage":        0.0,
		"uptime":              time.Since(s.startedAt).Seconds(),
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats["cpu_usage"] = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats["memory_usage"] = vm.UsedPercent
	}
	return stats
}

func (s *Server) publishSystemStats(ctx context.Context) {
	s.deps.Metrics.UptimeSeconds.Set(time.Since(s.startedAt).Seconds())
	s.deps.Metrics.ActiveConnections.Set(float64(s.activeConnections()))

	if err := s.deps.Bus.Publish(bus.ChannelSystemStats, "stats_update", s.systemSnapshot(ctx)); err != nil {
		s.logger.Debug("system stats publish failed", zap.Error(err))
	}
}

// probeDependencies pings each backing store and records the results
// for /health. A vector index that was never configured counts as
// healthy.
func (s *Server) probeDependencies(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	next := healthState{
		DatabaseOK: true,
		KVOK:       true,
		VectorOK:   true,
		CheckedAt:  time.Now().UTC(),
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(probeCtx); err != nil {
			next.DatabaseOK = false
			s.logger.Warn("database probe failed", zap.Error(err))
		}
	}
	if s.deps.KV != nil {
		if err := s.deps.KV.Ping(probeCtx); err != nil {
			next.KVOK = false
			s.logger.Warn("kv probe failed", zap.Error(err))
		}
	}
	if s.deps.Vector != nil {
		if err := s.deps.Vector.Ping(probeCtx); err != nil {
			next.VectorOK = false
			s.logger.Warn("vector probe failed", zap.Error(err))
		}
	}

	s.healthMu.Lock()
	s.health = next
	s.healthMu.Unlock()
}

// reapLoop evicts idle tracked connections.
func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := s.tracker.ReapIdle(connIdleTimeout); len(ids) > 0 {
				s.logger.Info("reaped idle connections", zap.Strings("conn_ids", ids))
			}
		}
	}
}

package pool

import (
	"context"
	"math"
	"time"

	"github.com/contextd/contextd/internal/bus"
	"go.uber.org/zap"
)

// Resize factors per decision rule.
const (
	expandFactor   = 1.2
	overflowFactor = 1.3
	shrinkFactor   = 0.8
	saturationUtil = 0.90
)

// MetricsSource produces the sampling snapshot each tick. *Pool
// implements it; tests inject synthetic streams.
type MetricsSource interface {
	Snapshot() Metrics
}

// Resizer applies a resize decision. *Pool implements it.
type Resizer interface {
	Size() int
	Resize(newSize int) error
}

// Controller samples the pool on an interval, publishes snapshots on
// the db_pool_stats channel, and resizes the pool between its bounds
// with a cooldown between decisions.
type Controller struct {
	cfg    Config
	source MetricsSource
	pool   Resizer
	bus    *bus.Bus
	logger *zap.Logger

	lastResize time.Time
	highTicks  int
}

// NewController wires a controller over a metrics source and resizer.
func NewController(cfg Config, source MetricsSource, pool Resizer, b *bus.Bus, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:    cfg,
		source: source,
		pool:   pool,
		bus:    b,
		logger: logger,
	}
}

// Run samples until ctx is canceled. Errors never terminate the loop.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(time.Now())
		}
	}
}

// Tick executes one sampling cycle: snapshot, publish, resize decision,
// alerts. Exported so tests can drive synthetic ticks.
func (c *Controller) Tick(now time.Time) {
	m := c.source.Snapshot()

	c.publish(bus.ChannelDBPoolStats, "stats_update", map[string]any{
		"pool_size":            m.PoolSize,
		"active_connections":   m.CheckedOut,
		"idle_connections":     m.CheckedIn,
		"overflow_connections": m.Overflow,
		"utilization":          round1(m.Utilization * 100),
		"qps":                  round1(m.QPS),
		"avg_query_time":       round1(m.AvgQueryTimeMS),
		"max_wait_time":        round1(m.MaxWaitTimeMS),
		"total_queries":        m.TotalQueries,
		"timestamp":            now.UTC().Format(time.RFC3339),
	})

	if c.lastResize.IsZero() || now.Sub(c.lastResize) >= c.cfg.Cooldown {
		c.considerResize(now, m)
	}

	c.checkAlerts(m)
}

// considerResize evaluates the decision rules in order; the first match
// fires, then the cooldown applies.
func (c *Controller) considerResize(now time.Time, m Metrics) {
	size := c.pool.Size()
	var newSize int
	var reason string

	switch {
	case m.Utilization > c.cfg.HighUtil:
		newSize = minInt(int(math.Ceil(float64(size)*expandFactor)), c.cfg.MaxSize)
		reason = "high-load expand"
	case m.Overflow > 0:
		newSize = minInt(int(math.Ceil(float64(size)*overflowFactor)), c.cfg.MaxSize)
		reason = "overflow expand"
	case m.Utilization < c.cfg.LowUtil && size > c.cfg.MinSize:
		newSize = maxInt(int(math.Floor(float64(size)*shrinkFactor)), c.cfg.MinSize)
		reason = "low-load shrink"
	default:
		return
	}

	if newSize == size {
		return
	}

	if err := c.pool.Resize(newSize); err != nil {
		c.logger.Error("pool resize failed",
			zap.Int("from", size),
			zap.Int("to", newSize),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	c.lastResize = now

	action := "expand"
	if newSize < size {
		action = "shrink"
	}
	c.logger.Info("pool resized",
		zap.String("action", action),
		zap.Int("from", size),
		zap.Int("to", newSize),
		zap.String("reason", reason))
	c.publish(bus.ChannelDBPoolStats, "pool_resized", map[string]any{
		"action":    action,
		"from":      size,
		"to":        newSize,
		"reason":    reason,
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

// checkAlerts raises leak warnings and the saturation alert. Leaked
// checkouts are warned about on every tick until cleared, never
// force-closed.
func (c *Controller) checkAlerts(m Metrics) {
	if m.PotentialLeaks > 0 {
		c.logger.Warn("potential connection leaks detected",
			zap.Int("count", m.PotentialLeaks),
			zap.Duration("threshold", c.cfg.LeakThreshold))
		c.publish(bus.ChannelDBPoolStats, "pool_leak_warning", map[string]any{
			"potential_leaks": m.PotentialLeaks,
			"threshold_s":     int(c.cfg.LeakThreshold.Seconds()),
		})
	}

	if m.Utilization > saturationUtil {
		c.highTicks++
	} else {
		c.highTicks = 0
	}
	if c.highTicks >= 2 {
		c.logger.Warn("pool saturated",
			zap.Float64("utilization", m.Utilization),
			zap.Int("consecutive_ticks", c.highTicks))
		c.publish(bus.ChannelDBPoolStats, "pool_saturation_warning", map[string]any{
			"utilization": round1(m.Utilization * 100),
			"pool_size":   m.PoolSize,
		})
	}
}

func (c *Controller) publish(channel, eventType string, data map[string]any) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(channel, eventType, data); err != nil {
		c.logger.Debug("pool event publish failed", zap.Error(err))
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

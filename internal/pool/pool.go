// Package pool implements the instrumented database connection pool and
// the dynamic controller that resizes it under load.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// durationSamples bounds the rolling checkout-duration buffer.
const durationSamples = 1000

// Config holds the pool sizing and controller tuning knobs.
type Config struct {
	Size           int
	MinSize        int
	MaxSize        int
	MaxOverflow    int
	SampleInterval time.Duration
	Cooldown       time.Duration
	HighUtil       float64
	LowUtil        float64
	LeakThreshold  time.Duration

	// ReuseHandle makes Resize adjust connection limits on the existing
	// handle instead of opening a replacement. Required for the embedded
	// SQLite backend, where a fresh handle on :memory: would lose data.
	ReuseHandle bool
}

// Opener opens a fresh database handle. It is invoked once at startup
// and again on every resize unless ReuseHandle is set.
type Opener func() (*sqlx.DB, error)

// Metrics is one sampling snapshot of the pool. Regenerated each tick.
type Metrics struct {
	PoolSize       int     `json:"pool_size"`
	CheckedOut     int     `json:"checked_out"`
	CheckedIn      int     `json:"checked_in"`
	Overflow       int     `json:"overflow"`
	Utilization    float64 `json:"utilization"`
	QPS            float64 `json:"qps"`
	AvgQueryTimeMS float64 `json:"avg_query_time_ms"`
	MaxWaitTimeMS  float64 `json:"max_wait_time_ms"`
	TotalQueries   int64   `json:"total_queries"`
	PotentialLeaks int     `json:"potential_leaks"`
}

// Conn is a checked-out connection. Callers must return it with Checkin.
type Conn struct {
	*sqlx.Conn

	id         string
	checkedOut time.Time
}

type state struct {
	db   *sqlx.DB
	size int
}

// Pool wraps a sqlx handle with checkout accounting, a rolling duration
// buffer, and atomic resize.
type Pool struct {
	opener Opener
	cfg    Config
	logger *zap.Logger

	state atomic.Pointer[state]

	checkedOut   atomic.Int64
	totalQueries atomic.Int64

	mu          sync.Mutex
	outstanding map[string]time.Time
	durations   []float64
	durIdx      int
	durFull     bool
	maxWaitMS   float64

	lastSnapshot      time.Time
	lastSnapshotTotal int64
}

// New opens the initial handle and applies the configured limits.
func New(opener Opener, cfg Config, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Size < cfg.MinSize {
		cfg.Size = cfg.MinSize
	}
	if cfg.Size > cfg.MaxSize {
		cfg.Size = cfg.MaxSize
	}

	db, err := opener()
	if err != nil {
		return nil, fmt.Errorf("open pool handle: %w", err)
	}

	p := &Pool{
		opener:       opener,
		cfg:          cfg,
		logger:       logger,
		outstanding:  make(map[string]time.Time),
		durations:    make([]float64, durationSamples),
		lastSnapshot: time.Now(),
	}
	p.applyLimits(db, cfg.Size)
	p.state.Store(&state{db: db, size: cfg.Size})
	return p, nil
}

func (p *Pool) applyLimits(db *sqlx.DB, size int) {
	db.SetMaxOpenConns(size + p.cfg.MaxOverflow)
	db.SetMaxIdleConns(size)
	db.SetConnMaxLifetime(5 * time.Minute)
}

// DB returns the current underlying handle. Intended for one-shot reads
// that need no checkout accounting (health probes, tests).
func (p *Pool) DB() *sqlx.DB {
	return p.state.Load().db
}

// Size returns the current target pool size.
func (p *Pool) Size() int {
	return p.state.Load().size
}

// Checkout acquires a connection from the pool, honoring ctx.
func (p *Pool) Checkout(ctx context.Context) (*Conn, error) {
	st := p.state.Load()

	start := time.Now()
	conn, err := st.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool checkout: %w", err)
	}
	waitMS := float64(time.Since(start)) / float64(time.Millisecond)

	c := &Conn{
		Conn:       conn,
		id:         uuid.NewString(),
		checkedOut: time.Now(),
	}

	p.mu.Lock()
	p.outstanding[c.id] = c.checkedOut
	if waitMS > p.maxWaitMS {
		p.maxWaitMS = waitMS
	}
	p.mu.Unlock()
	p.checkedOut.Add(1)
	return c, nil
}

// Checkin returns a connection to the pool and records its hold time.
func (p *Pool) Checkin(c *Conn) {
	if c == nil {
		return
	}
	held := time.Since(c.checkedOut)
	_ = c.Conn.Close()

	p.mu.Lock()
	delete(p.outstanding, c.id)
	p.durations[p.durIdx] = float64(held) / float64(time.Millisecond)
	p.durIdx++
	if p.durIdx == len(p.durations) {
		p.durIdx = 0
		p.durFull = true
	}
	p.mu.Unlock()

	p.checkedOut.Add(-1)
	p.totalQueries.Add(1)
}

// Resize changes the pool size. With ReuseHandle the limits change on
// the live handle; otherwise a new handle is opened and swapped in, and
// the old handle is closed (idle connections close immediately,
// in-flight checkouts drain on return per database/sql semantics).
func (p *Pool) Resize(newSize int) error {
	if newSize < p.cfg.MinSize || newSize > p.cfg.MaxSize {
		return fmt.Errorf("resize to %d outside [%d, %d]", newSize, p.cfg.MinSize, p.cfg.MaxSize)
	}

	old := p.state.Load()
	if p.cfg.ReuseHandle {
		p.applyLimits(old.db, newSize)
		p.state.Store(&state{db: old.db, size: newSize})
		return nil
	}

	db, err := p.opener()
	if err != nil {
		return fmt.Errorf("open replacement handle: %w", err)
	}
	p.applyLimits(db, newSize)
	p.state.Store(&state{db: db, size: newSize})

	if err := old.db.Close(); err != nil {
		p.logger.Warn("closing old pool handle", zap.Error(err))
	}
	return nil
}

// Snapshot regenerates the metrics snapshot. QPS is computed over the
// interval since the previous snapshot.
func (p *Pool) Snapshot() Metrics {
	st := p.state.Load()
	stats := st.db.Stats()
	checkedOut := int(p.checkedOut.Load())
	total := p.totalQueries.Load()

	p.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(p.lastSnapshot).Seconds()
	var qps float64
	if elapsed > 0 {
		qps = float64(total-p.lastSnapshotTotal) / elapsed
	}
	p.lastSnapshot = now
	p.lastSnapshotTotal = total

	n := p.durIdx
	if p.durFull {
		n = len(p.durations)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += p.durations[i]
	}
	var avgMS float64
	if n > 0 {
		avgMS = sum / float64(n)
	}
	maxWait := p.maxWaitMS

	leaks := 0
	for _, since := range p.outstanding {
		if now.Sub(since) > p.cfg.LeakThreshold {
			leaks++
		}
	}
	p.mu.Unlock()

	overflow := stats.OpenConnections - st.size
	if overflow < 0 {
		overflow = 0
	}
	var util float64
	if st.size > 0 {
		util = float64(checkedOut) / float64(st.size)
	}

	return Metrics{
		PoolSize:       st.size,
		CheckedOut:     checkedOut,
		CheckedIn:      stats.Idle,
		Overflow:       overflow,
		Utilization:    util,
		QPS:            qps,
		AvgQueryTimeMS: avgMS,
		MaxWaitTimeMS:  maxWait,
		TotalQueries:   total,
		PotentialLeaks: leaks,
	}
}

// Ping probes the underlying database.
func (p *Pool) Ping(ctx context.Context) error {
	return p.state.Load().db.PingContext(ctx)
}

// Close closes the underlying handle.
func (p *Pool) Close() error {
	return p.state.Load().db.Close()
}

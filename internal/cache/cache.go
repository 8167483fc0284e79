// Package cache implements the two-level response cache: an in-process
// LRU in front of the shared key/value service. Values are JSON blobs
// keyed "category:key"; each category carries its own TTL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/contextd/contextd/internal/storage/kv"
)

// ErrMiss is returned by Get when neither level holds the key.
var ErrMiss = errors.New("cache miss")

// TTLFunc maps a category to its TTL.
type TTLFunc func(category string) time.Duration

// Stats is a snapshot of cache counters.
type Stats struct {
	L1Hits     uint64  `json:"l1_hits"`
	L2Hits     uint64  `json:"l2_hits"`
	Misses     uint64  `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	L1Entries  int     `json:"l1_entries"`
	L2Degraded bool    `json:"l2_degraded"`
}

type entry struct {
	value     string
	expiresAt time.Time
}

// Cache is the two-level cache. The L2 client may be nil, in which case
// only L1 serves.
type Cache struct {
	l1     *lru.Cache[string, entry]
	l2     kv.Client
	l1TTL  time.Duration
	ttlFor TTLFunc
	group  singleflight.Group
	logger *zap.Logger
	l1Hits atomic.Uint64
	l2Hits atomic.Uint64
	misses atomic.Uint64

	mu           sync.Mutex
	l2Degraded   bool
	lastL2Warned time.Time
}

// Options configures a Cache.
type Options struct {
	L1Capacity int
	L1TTL      time.Duration
	TTLFor     TTLFunc
	L2         kv.Client
	Logger     *zap.Logger
}

// New creates the cache. L1Capacity must be positive.
func New(opts Options) (*Cache, error) {
	l1, err := lru.New[string, entry](opts.L1Capacity)
	if err != nil {
		return nil, fmt.Errorf("create l1: %w", err)
	}
	if opts.L1TTL <= 0 {
		opts.L1TTL = 30 * time.Second
	}
	if opts.TTLFor == nil {
		ttl := opts.L1TTL
		opts.TTLFor = func(string) time.Duration { return ttl }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		l1:     l1,
		l2:     opts.L2,
		l1TTL:  opts.L1TTL,
		ttlFor: opts.TTLFor,
		logger: opts.Logger,
	}, nil
}

// Key builds the composite cache key.
func Key(category, key string) string {
	return category + ":" + key
}

// Get returns the cached value for category:key, checking L1 then L2.
// An L2 hit backfills L1 with the key's remaining TTL, capped at the
// L1 TTL.
func (c *Cache) Get(ctx context.Context, category, key string) (string, error) {
	full := Key(category, key)
	now := time.Now()

	if e, ok := c.l1.Get(full); ok {
		if now.Before(e.expiresAt) {
			c.l1Hits.Add(1)
			return e.value, nil
		}
		c.l1.Remove(full)
	}

	if c.l2 != nil {
		val, err := c.l2.Get(ctx, full)
		switch {
		case err == nil:
			c.l2Hits.Add(1)
			c.markL2Up()
			c.backfill(ctx, full, val)
			return val, nil
		case errors.Is(err, kv.ErrNotFound):
			c.markL2Up()
		default:
			c.warnL2Down(err)
		}
	}

	c.misses.Add(1)
	return "", ErrMiss
}

// SetTTLFunc swaps the category TTL mapping at runtime, for config hot
// reload. Entries written under the old TTLs expire on their own.
func (c *Cache) SetTTLFunc(f TTLFunc) {
	if f == nil {
		return
	}
	c.mu.Lock()
	c.ttlFor = f
	c.mu.Unlock()
}

// Set stores the value in both levels with the category's TTL.
func (c *Cache) Set(ctx context.Context, category, key, value string) {
	full := Key(category, key)
	c.mu.Lock()
	ttl := c.ttlFor(category)
	c.mu.Unlock()

	l1TTL := ttl
	if l1TTL > c.l1TTL {
		l1TTL = c.l1TTL
	}
	c.l1.Add(full, entry{value: value, expiresAt: time.Now().Add(l1TTL)})

	if c.l2 != nil {
		if err := c.l2.SetEx(ctx, full, value, ttl); err != nil {
			c.warnL2Down(err)
		} else {
			c.markL2Up()
		}
	}
}

// GetOrCompute returns the cached value or computes it, collapsing
// concurrent computations of the same key into one call.
func (c *Cache) GetOrCompute(ctx context.Context, category, key string, compute func(ctx context.Context) (string, error)) (string, error) {
	if val, err := c.Get(ctx, category, key); err == nil {
		return val, nil
	}
	full := Key(category, key)
	val, err, _ := c.group.Do(full, func() (any, error) {
		// Another caller may have filled the key while we queued.
		if val, err := c.Get(ctx, category, key); err == nil {
			return val, nil
		}
		val, err := compute(ctx)
		if err != nil {
			return "", err
		}
		c.Set(ctx, category, key, val)
		return val, nil
	})
	if err != nil {
		return "", err
	}
	return val.(string), nil
}

// Invalidate removes one key from both levels.
func (c *Cache) Invalidate(ctx context.Context, category, key string) {
	full := Key(category, key)
	c.l1.Remove(full)
	if c.l2 != nil {
		if err := c.l2.Del(ctx, full); err != nil {
			c.warnL2Down(err)
		}
	}
}

// InvalidateCategory removes every key in the category from both
// levels.
func (c *Cache) InvalidateCategory(ctx context.Context, category string) {
	prefix := category + ":"
	for _, k := range c.l1.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.l1.Remove(k)
		}
	}
	if c.l2 != nil {
		if _, err := c.l2.DelPattern(ctx, prefix+"*"); err != nil {
			c.warnL2Down(err)
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	l1 := c.l1Hits.Load()
	l2 := c.l2Hits.Load()
	miss := c.misses.Load()
	total := l1 + l2 + miss
	var rate float64
	if total > 0 {
		rate = float64(l1+l2) / float64(total)
	}
	c.mu.Lock()
	degraded := c.l2Degraded
	c.mu.Unlock()
	return Stats{
		L1Hits:     l1,
		L2Hits:     l2,
		Misses:     miss,
		HitRate:    rate,
		L1Entries:  c.l1.Len(),
		L2Degraded: degraded,
	}
}

// backfill copies an L2 hit into L1 with the key's remaining TTL,
// capped at the L1 TTL.
func (c *Cache) backfill(ctx context.Context, full, value string) {
	ttl := c.l1TTL
	if remaining, err := c.l2.TTL(ctx, full); err == nil && remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	c.l1.Add(full, entry{value: value, expiresAt: time.Now().Add(ttl)})
}

// warnL2Down logs an L2 failure at most once per minute; the cache
// keeps serving from L1 in the meantime.
func (c *Cache) warnL2Down(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l2Degraded = true
	if time.Since(c.lastL2Warned) >= time.Minute {
		c.lastL2Warned = time.Now()
		c.logger.Warn("l2 cache unavailable, serving from l1 only", zap.Error(err))
	}
}

func (c *Cache) markL2Up() {
	c.mu.Lock()
	if c.l2Degraded {
		c.l2Degraded = false
		c.logger.Info("l2 cache recovered")
	}
	c.mu.Unlock()
}

package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-client token bucket: the bucket holds one
// minute's budget and refills continuously at budget-per-minute. Stale
// client entries are reaped in the background.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientLimiter
	perMin   int
	logger   *zap.Logger
	stopOnce sync.Once
	stop     chan struct{}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter granting perMin requests per minute
// per client address.
func NewRateLimiter(perMin int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientLimiter),
		perMin:  perMin,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go rl.reapLoop()
	return rl
}

// Allow reports whether the client may proceed.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	cl, ok := rl.clients[client]
	if !ok {
		burst := rl.perMin
		if burst < 1 {
			burst = 1
		}
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.perMin)/60.0), burst),
		}
		rl.clients[client] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()
	return cl.limiter.Allow()
}

// Middleware wraps a handler with per-client limiting; rejected
// requests get 429 with a Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		if !rl.Allow(client) {
			rl.logger.Warn("rate limit exceeded",
				zap.String("remote", client),
				zap.String("path", r.URL.Path))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rl.rate())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetRate changes the per-minute budget at runtime. Existing client
// buckets are discarded so the new rate applies immediately.
func (rl *RateLimiter) SetRate(perMin int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if perMin == rl.perMin {
		return
	}
	rl.perMin = perMin
	rl.clients = make(map[string]*clientLimiter)
}

// Close stops the background reaper.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) rate() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.perMin
}

func retryAfterSeconds(perMin int) int {
	if perMin <= 0 {
		return 60
	}
	secs := 60 / perMin
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (rl *RateLimiter) reapLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			rl.mu.Lock()
			for client, cl := range rl.clients {
				if cl.lastSeen.Before(cutoff) {
					delete(rl.clients, client)
				}
			}
			rl.mu.Unlock()
		}
	}
}

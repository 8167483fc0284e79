package middleware

import (
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"
)

// Admission caps the number of in-flight HTTP requests. Requests over
// the cap are rejected immediately with 503 rather than queued, so a
// saturated server stays responsive on the health path.
type Admission struct {
	max      int64
	inFlight atomic.Int64
	logger   *zap.Logger
}

// NewAdmission creates an admission gate for max concurrent requests.
func NewAdmission(max int, logger *zap.Logger) *Admission {
	return &Admission{max: int64(max), logger: logger}
}

// InFlight returns the current number of admitted requests.
func (a *Admission) InFlight() int64 {
	return a.inFlight.Load()
}

// Middleware wraps a handler with the admission gate.
func (a *Admission) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.inFlight.Add(1) > a.max {
			a.inFlight.Add(-1)
			a.logger.Warn("connection limit reached",
				zap.Int64("max", a.max),
				zap.String("remote", r.RemoteAddr))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"server at connection capacity"}`))
			return
		}
		defer a.inFlight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

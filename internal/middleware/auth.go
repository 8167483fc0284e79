// Package middleware provides the HTTP protection chain: API key
// auth, IP allow-listing, per-client rate limiting, and connection
// admission. Order matters: auth runs before rate limiting so
// unauthenticated requests never consume a client's budget.
package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Auth enforces Bearer API key authentication. With no configured keys
// the server is open and the middleware passes everything through.
func Auth(apiKeys []string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(apiKeys) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			token := extractBearer(r)
			if token == "" || !keyMatches(apiKeys, token) {
				logger.Warn("rejected unauthenticated request",
					zap.String("remote", r.RemoteAddr),
					zap.String("path", r.URL.Path))
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"authentication required"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// keyMatches compares the presented token against every configured key
// in constant time.
func keyMatches(apiKeys []string, token string) bool {
	ok := false
	for _, key := range apiKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			ok = true
		}
	}
	return ok
}

func extractBearer(r *http.Request) string {
	s := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(s) > len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return strings.TrimSpace(s[len(prefix):])
	}
	return ""
}

// IPAllowlist rejects requests from addresses outside the allow-list.
// An empty list allows everything.
func IPAllowlist(allowed []string, logger *zap.Logger) func(http.Handler) http.Handler {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, ip := range allowed {
		allowedSet[ip] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowedSet) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			ip := clientIP(r)
			if _, ok := allowedSet[ip]; !ok {
				logger.Warn("rejected request from disallowed address",
					zap.String("remote", ip),
					zap.String("path", r.URL.Path))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"forbidden"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. Proxy headers are
// deliberately ignored: the allow-list protects direct exposure.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

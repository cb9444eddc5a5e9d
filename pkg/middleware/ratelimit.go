package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// UserIDHeader carries the chat platform's user identifier.
const UserIDHeader = "X-User-ID"

// Limiter is satisfied by ratelimit.Limiter.
type Limiter interface {
	Allow(key string) bool
	RetryAfter(key string) time.Duration
}

// RateLimit rejects requests from a user over their budget with 429. Users
// are identified by X-User-ID, falling back to the client address. Health
// and metrics paths are never limited.
func RateLimit(l Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			key := userKey(r)
			if !l.Allow(key) {
				secs := int(math.Ceil(l.RetryAfter(key).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

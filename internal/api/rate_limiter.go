package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/position-monitor/internal/errors"
)

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex

	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second per
// client with the given burst. rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 10
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    limit,
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

// getLimiter returns the limiter for key, evicting clients idle for longer
// than the idle window.
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if len(rl.limiters) > 4096 {
		for k, c := range rl.limiters {
			if now.Sub(c.lastSeen) > rl.idle {
				delete(rl.limiters, k)
			}
		}
	}

	c, ok := rl.limiters[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// clientKey identifies the caller: the X-User-ID header when present,
// otherwise the remote IP.
func clientKey(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := rl.getLimiter(clientKey(r))
			if !limiter.Allow() {
				retryAfter := 1
				if rl.limit > 0 && rl.limit != rate.Inf {
					if secs := int(1 / float64(rl.limit)); secs > 1 {
						retryAfter = secs
					}
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				respondServiceError(w, r, apperrors.NewRateLimitError(retryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Package quota limits how often a session may submit inference requests.
package quota

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/TACC/imageInf/internal/metrics"
)

// RateLimiter implements per-key token bucket rate limiting.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rpm requests per minute per key, with bursts of up
// to rpm. rpm=0 means unlimited.
func NewRateLimiter(rpm int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*entry),
		limit:    rate.Inf,
		now:      time.Now,
	}
	if rpm > 0 {
		rl.limit = rate.Limit(float64(rpm) / 60.0)
		rl.burst = rpm
	}
	return rl
}

func (rl *RateLimiter) get(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Allow reports whether a request for key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit == rate.Inf {
		return true
	}
	now := rl.now()
	return rl.get(key, now).AllowN(now, 1)
}

// RetryAfter returns the whole seconds until key gets its next token.
func (rl *RateLimiter) RetryAfter(key string) int {
	if rl.limit == rate.Inf {
		return 0
	}
	now := rl.now()
	tokens := rl.get(key, now).TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	return int(math.Ceil((1 - tokens) / float64(rl.limit)))
}

// Cleanup removes limiters for keys that haven't been seen recently.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	n := 0
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			n++
		}
	}
	return n
}

// Middleware rejects requests over the limit with 429. keyFn extracts the
// limiting key; an empty key falls back to the remote address.
func (rl *RateLimiter) Middleware(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				key = r.RemoteAddr
			}
			if !rl.Allow(key) {
				metrics.RecordRateLimitHit()
				w.Header().Set("Retry-After", strconv.Itoa(max(rl.RetryAfter(key), 1)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

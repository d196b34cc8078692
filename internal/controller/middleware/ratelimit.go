// Package middleware contains HTTP middleware for the controller API.
package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"exporthub/pkg/api"
)

// sweepEvery is the number of lookups between two passes over the limiter map.
const sweepEvery = 256

// RateLimiter throttles requests per project, keyed by the numeric projectID
// route parameter. Idle projects lose their limiter after the TTL.
type RateLimiter struct {
	limit      rate.Limit
	burst      int
	ttl        time.Duration
	now        func() time.Time
	sweepEvery uint64
	lookups    atomic.Uint64
	limiters   sync.Map // int64 -> *cachedLimiter
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// WithTTL sets how long an idle project's limiter is kept.
func WithTTL(ttl time.Duration) RateLimitOption {
	return func(l *RateLimiter) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRateClock replaces the clock used for limiter expiry.
func WithRateClock(now func() time.Time) RateLimitOption {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter allows rps requests per second per project with the given burst.
// rps=0 means unlimited.
func NewRateLimiter(rps float64, burst int, opts ...RateLimitOption) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &RateLimiter{
		limit:      rate.Limit(rps),
		burst:      burst,
		ttl:        5 * time.Minute,
		now:        time.Now,
		sweepEvery: sweepEvery,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Middleware rejects requests over the project's limit with 429.
// Routes without a numeric projectID parameter are not limited; the handler
// rejects malformed ids itself.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l.limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
			if err == nil && !l.get(id).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter *rate.Limiter

	// expiresAt is refreshed on use, so only idle projects lose their state.
	// An expired entry is never revived.
	mu        sync.Mutex
	expiresAt time.Time
	expired   bool
}

// touch extends a live entry and reports whether it may still be used.
func (c *cachedLimiter) touch(now time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired || !now.Before(c.expiresAt) {
		c.expired = true
		return false
	}
	c.expiresAt = now.Add(ttl)
	return true
}

// expire marks the entry dead when its TTL has passed.
func (c *cachedLimiter) expire(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.expired && now.Before(c.expiresAt) {
		return false
	}
	c.expired = true
	return true
}

func (l *RateLimiter) get(id int64) *rate.Limiter {
	now := l.now()
	if l.sweepEvery > 0 && l.lookups.Add(1)%l.sweepEvery == 0 {
		l.sweep(now)
	}
	for {
		v, ok := l.limiters.Load(id)
		if !ok {
			fresh := &cachedLimiter{
				limiter:   rate.NewLimiter(l.limit, l.burst),
				expiresAt: now.Add(l.ttl),
			}
			v, _ = l.limiters.LoadOrStore(id, fresh)
		}
		cached := v.(*cachedLimiter)
		if cached.touch(now, l.ttl) {
			return cached.limiter
		}
		l.limiters.CompareAndDelete(id, cached)
	}
}

// sweep drops every limiter whose TTL has passed.
func (l *RateLimiter) sweep(now time.Time) {
	l.limiters.Range(func(key, value any) bool {
		if cached := value.(*cachedLimiter); cached.expire(now) {
			l.limiters.CompareAndDelete(key, cached)
		}
		return true
	})
}

// size counts the cached limiters.
func (l *RateLimiter) size() int {
	n := 0
	l.limiters.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: message, Code: strconv.Itoa(code)})
}

package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/commonground/mediation/internal/identity"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 30 * time.Minute

// RateLimiter hands out one token bucket per caller.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per caller with the given burst.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		limiters: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow consumes a token for key.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.limiters[key]
	if !ok {
		l.evictLocked(now)
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *RateLimiter) evictLocked(now time.Time) {
	for key, v := range l.limiters {
		if now.Sub(v.lastSeen) > limiterIdleTTL {
			delete(l.limiters, key)
		}
	}
}

// Middleware rejects callers that exceed their budget with 429. Callers are
// keyed by user ID, falling back to client IP.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := identity.UserIDFromContext(r.Context())
		if key == "" {
			key = "ip:" + identity.IPFromRequest(r)
		}
		if !l.Allow(key) {
			retry := time.Duration(float64(time.Second) / float64(l.limit))
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(retry.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many messages, slow down"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

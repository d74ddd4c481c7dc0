package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// clientLimiter holds one token bucket per client IP. Idle buckets are
// swept from inside allow once per idle period, so nothing runs in the
// background and a dropped Server leaks no goroutine.
type clientLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newClientLimiter(limit rate.Limit, burst int, idle time.Duration) *clientLimiter {
	return &clientLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		idle:    idle,
		now:     time.Now,
	}
}

func (c *clientLimiter) allow(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastSweep) >= c.idle {
		for key, b := range c.buckets {
			if now.Sub(b.seen) >= c.idle {
				delete(c.buckets, key)
			}
		}
		c.lastSweep = now
	}

	b, ok := c.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.buckets[ip] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

func (c *clientLimiter) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}

// enqueueRateLimit limits job submissions per client IP. RealIP must run
// first for proxied requests.
func (srv *Server) enqueueRateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if host, _, err := net.SplitHostPort(ip); err == nil {
				ip = host
			}
			if !srv.limiter.allow(ip) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

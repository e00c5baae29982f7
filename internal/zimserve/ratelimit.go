package zimserve

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const rateLimitWindow = 60 * time.Second

// RateLimiter enforces a sliding 60-second window of request timestamps per client IP.
// limit == 0 disables rate limiting entirely.
type RateLimiter struct {
	limit int

	mu      sync.Mutex
	buckets map[string][]time.Time
}

func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{limit: limit, buckets: make(map[string][]time.Time)}
}

// Allow reports whether a request from ip may proceed, recording it if so. At steady
// state a bucket never holds more than limit timestamps, and Allow is monotone in time for
// a saturated bucket: once the oldest timestamp ages out of the window, exactly one new
// request is admitted.
func (r *RateLimiter) Allow(ip string) bool {
	if r.limit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateLimitWindow)

	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.buckets[ip]
	live := bucket[:0]
	for _, t := range bucket {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	if len(live) >= r.limit {
		r.buckets[ip] = live
		return false
	}

	r.buckets[ip] = append(live, now)
	return true
}

// RetryAfter returns the number of seconds until the oldest timestamp in ip's bucket ages
// out of the window, for the Retry-After response header.
func (r *RateLimiter) RetryAfter(ip string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.buckets[ip]
	if len(bucket) == 0 {
		return 0
	}
	remaining := rateLimitWindow - time.Since(bucket[0])
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

// ClientIP derives the caller's IP, preferring X-Forwarded-For's left-most entry when the
// request came through a trusted proxy (the caller is expected to only invoke this after
// verifying RemoteAddr against a trusted proxy list, matching the router's trusted-proxy
// handling elsewhere in the stack).
func ClientIP(r *http.Request, trustedProxy bool) string {
	if trustedProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package zimserve

import "testing"

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3)
	ip := "203.0.113.1"

	for i := 0; i < 3; i++ {
		if !rl.Allow(ip) {
			t.Fatalf("request %d should have been allowed", i)
		}
	}
	if rl.Allow(ip) {
		t.Fatal("4th request within the window should have been rejected")
	}
}

func TestRateLimiterZeroDisables(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0)
	ip := "203.0.113.1"
	for i := 0; i < 1000; i++ {
		if !rl.Allow(ip) {
			t.Fatal("limit=0 must disable rate limiting entirely")
		}
	}
}

func TestRateLimiterBucketNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(5)
	ip := "203.0.113.2"
	for i := 0; i < 50; i++ {
		rl.Allow(ip)
	}

	rl.mu.Lock()
	n := len(rl.buckets[ip])
	rl.mu.Unlock()

	if n > 5 {
		t.Errorf("bucket holds %d timestamps, want <= limit (5)", n)
	}
}

func TestRateLimiterIndependentPerIP(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("first request from 10.0.0.1 should be allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("first request from a different IP should be allowed independently")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("second request from 10.0.0.1 within the window should be rejected")
	}
}

func TestRetryAfterZeroForUnknownIP(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(5)
	if got := rl.RetryAfter("198.51.100.1"); got != 0 {
		t.Errorf("RetryAfter for an IP with no bucket = %d, want 0", got)
	}
}

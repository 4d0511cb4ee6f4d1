package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// tokenBucket refills continuously at rate tokens per second up to burst.
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
}

// RateLimiter enforces per-client token buckets, keyed by bearer token or,
// failing that, remote IP. A zero rate disables it.
type RateLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rate:    float64(requestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

// SetClock replaces the time source; tests use it to refill buckets.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
}

func (rl *RateLimiter) Enabled() bool { return rl.rate > 0 }

// Allow consumes a token for key if one is available.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: rl.burst, lastRefill: now}
		rl.buckets[key] = b
	}
	b.tokens = min(rl.burst, b.tokens+now.Sub(b.lastRefill).Seconds()*rl.rate)
	b.lastRefill = now
	b.lastAccess = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// StartEviction periodically drops buckets idle for longer than maxAge.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	if !rl.Enabled() {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets not used within maxAge and returns how many.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxAge)
	evicted := 0
	for key, b := range rl.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	return evicted
}

// BucketCount returns the number of tracked clients.
func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Wrap rejects over-limit requests with 429. /healthz is exempt.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractToken(r)
		if key == "" {
			key = clientIP(r)
		}
		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

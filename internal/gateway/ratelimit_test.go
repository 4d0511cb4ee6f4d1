package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawtask/internal/gateway"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func hit(h http.Handler, path, token, remote string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	clock := &stepClock{t: time.Unix(1_700_000_000, 0)}
	rl := gateway.NewRateLimiter(60, 2)
	rl.SetClock(clock.Now)
	h := rl.Wrap(okHandler())

	for i := 0; i < 2; i++ {
		if code := hit(h, "/api/tasks", "k1", "10.0.0.1:1"); code != http.StatusOK {
			t.Fatalf("request %d within burst: %d", i, code)
		}
	}
	if code := hit(h, "/api/tasks", "k1", "10.0.0.1:1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", code)
	}
	// A different key has its own bucket.
	if code := hit(h, "/api/tasks", "k2", "10.0.0.1:1"); code != http.StatusOK {
		t.Fatalf("second key should not share the bucket: %d", code)
	}

	clock.Advance(time.Second)
	if code := hit(h, "/api/tasks", "k1", "10.0.0.1:1"); code != http.StatusOK {
		t.Fatalf("one token should refill per second at 60 rpm: %d", code)
	}
}

func TestRateLimiter_HealthzExemptAndIPFallback(t *testing.T) {
	rl := gateway.NewRateLimiter(60, 1)
	h := rl.Wrap(okHandler())

	for i := 0; i < 5; i++ {
		if code := hit(h, "/healthz", "", "10.0.0.1:1"); code != http.StatusOK {
			t.Fatalf("healthz should be exempt: %d", code)
		}
	}
	if code := hit(h, "/api/tasks", "", "10.0.0.2:5000"); code != http.StatusOK {
		t.Fatalf("first anonymous request: %d", code)
	}
	// Same IP, different port: same bucket.
	if code := hit(h, "/api/tasks", "", "10.0.0.2:6000"); code != http.StatusTooManyRequests {
		t.Fatalf("expected IP-keyed bucket to be exhausted, got %d", code)
	}
}

func TestRateLimiter_DisabledAndEviction(t *testing.T) {
	off := gateway.NewRateLimiter(0, 1)
	if off.Enabled() {
		t.Fatalf("zero rate should disable limiting")
	}
	h := off.Wrap(okHandler())
	for i := 0; i < 10; i++ {
		if code := hit(h, "/api/tasks", "", "10.0.0.1:1"); code != http.StatusOK {
			t.Fatalf("disabled limiter rejected a request")
		}
	}

	clock := &stepClock{t: time.Unix(1_700_000_000, 0)}
	rl := gateway.NewRateLimiter(60, 5)
	rl.SetClock(clock.Now)
	rl.Allow("old")
	clock.Advance(10 * time.Minute)
	rl.Allow("fresh")
	if n := rl.EvictStale(5 * time.Minute); n != 1 || rl.BucketCount() != 1 {
		t.Fatalf("expected only the idle bucket evicted, evicted=%d remaining=%d", n, rl.BucketCount())
	}
}

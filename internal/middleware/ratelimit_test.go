package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rpm, burst int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newRateLimiter(RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour,
	}, clock.Now)
	return rl, clock
}

func allow(t *testing.T, l Limiter, key string) Decision {
	t.Helper()
	d, err := l.Allow(context.Background(), key)
	if err != nil {
		t.Fatalf("Allow(%q): %v", key, err)
	}
	return d
}

// ---------------------------------------------------------------------------
// RateLimiter
// ---------------------------------------------------------------------------

func TestRateLimiter_AllowsUpToBurst(t *testing.T) {
	rl, _ := newTestLimiter(60, 3)
	defer rl.Stop()

	allowed := 0
	for i := 0; i < 5; i++ {
		if allow(t, rl, "k").Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d requests, want 3", allowed)
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl, clock := newTestLimiter(60, 1) // one token per second
	defer rl.Stop()

	if !allow(t, rl, "k").Allowed {
		t.Fatal("first request should be allowed")
	}
	d := allow(t, rl, "k")
	if d.Allowed {
		t.Fatal("second request should be limited")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want (0, 1s]", d.RetryAfter)
	}

	clock.Advance(time.Second)
	if !allow(t, rl, "k").Allowed {
		t.Error("request after refill should be allowed")
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(60, 1)
	defer rl.Stop()

	allow(t, rl, "a")
	if allow(t, rl, "a").Allowed {
		t.Error("key a should be exhausted")
	}
	if !allow(t, rl, "b").Allowed {
		t.Error("key b should be unaffected by key a")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl, _ := newTestLimiter(60, 1)
	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_CleanupEvictsIdleEntries(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	rl := newRateLimiter(RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   10 * time.Millisecond,
	}, clock.Now)
	defer rl.Stop()

	allow(t, rl, "idle")
	clock.Advance(time.Hour)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rl.mu.Lock()
		_, present := rl.entries["idle"]
		rl.mu.Unlock()
		if !present {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("idle entry was not evicted")
}

// ---------------------------------------------------------------------------
// getRateLimitKey
// ---------------------------------------------------------------------------

func TestGetRateLimitKey(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		want   string
	}{
		{"api key wins", map[string]string{APIKeyIDKey: "adt_abc", UserIDKey: "u1"}, "apikey:adt_abc"},
		{"user", map[string]string{UserIDKey: "u1"}, "user:u1"},
		{"empty values fall back to ip", map[string]string{UserIDKey: "", APIKeyIDKey: ""}, "ip:10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Request.RemoteAddr = "10.0.0.1:1234"
			for k, v := range tt.values {
				c.Set(k, v)
			}
			if got := getRateLimitKey(c); got != tt.want {
				t.Errorf("getRateLimitKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

// erroringLimiter simulates an unreachable Redis.
type erroringLimiter struct{}

func (erroringLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("dial tcp: connection refused")
}
func (erroringLimiter) Limit() int { return 10 }

func newRateLimitRouter(l Limiter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(l))
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func sendFrom(r *gin.Engine, addr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = addr
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(120, 1)
	defer rl.Stop()
	r := newRateLimitRouter(rl)

	w := sendFrom(r, "10.0.0.2:1")
	if w.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "120" {
		t.Errorf("X-RateLimit-Limit = %q", w.Header().Get("X-RateLimit-Limit"))
	}

	w = sendFrom(r, "10.0.0.2:1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	w := sendFrom(newRateLimitRouter(erroringLimiter{}), "10.0.0.3:1")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when the limiter errors", w.Code)
	}
}

package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/stellarcredit/internal/metrics"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = clock.now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	// Next request should be denied
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// 1 second = 1 token at 60/min
	clock.advance(time.Second)

	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	// Client A uses up their tokens
	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}

	// Client B should still have tokens
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterTokenReplenishment(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{RequestsPerMinute: 600, BurstSize: 1})

	assert.True(t, limiter.Allow("k"))
	assert.False(t, limiter.Allow("k"))

	clock.advance(50 * time.Millisecond)
	assert.False(t, limiter.Allow("k"), "half a token")

	clock.advance(50 * time.Millisecond)
	assert.True(t, limiter.Allow("k"))
}

func TestLimiterEvictsIdleClients(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})

	limiter.Allow("idle")
	clock.advance(30 * time.Second)
	limiter.Allow("busy")
	clock.advance(45 * time.Second)

	limiter.evictIdle()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.NotContains(t, limiter.clients, "idle")
	assert.Contains(t, limiter.clients, "busy")
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(t, Config{RequestsPerMinute: 30, BurstSize: 2})

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/api/stats", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(metrics.RateLimitedTotal)
	codes := make([]int, 3)
	var last *httptest.ResponseRecorder
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		last = httptest.NewRecorder()
		router.ServeHTTP(last, req)
		codes[i] = last.Code
	}

	assert.Equal(t, []int{200, 200, 429}, codes)
	assert.Equal(t, "2", last.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"Too many requests. Please slow down.","code":"RATE_LIMITED"}`, last.Body.String())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RateLimitedTotal))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, 10, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)

	l := New(Config{})
	defer l.Stop()
	assert.Equal(t, cfg, l.cfg)
}

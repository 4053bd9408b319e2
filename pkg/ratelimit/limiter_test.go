package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTokenBucket(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tb := newTokenBucket(5, 1.0, clock.Now)

	t.Run("burst then deny", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			assert.True(t, tb.Allow(), "request %d", i+1)
		}
		assert.False(t, tb.Allow())
	})

	t.Run("refill", func(t *testing.T) {
		clock.Advance(2 * time.Second)
		assert.True(t, tb.Allow())
		assert.True(t, tb.Allow())
		assert.False(t, tb.Allow())
	})

	t.Run("refill is capped", func(t *testing.T) {
		clock.Advance(time.Hour)
		tb.Allow()
		assert.Equal(t, 4.0, tb.Tokens())
	})

	t.Run("reset", func(t *testing.T) {
		for tb.Allow() {
		}
		tb.Reset()
		assert.Equal(t, 5.0, tb.Tokens())
	})
}

func TestRateLimiter(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	rl := NewRateLimiter(2, 1.0, 0)
	rl.now = clock.Now

	assert.True(t, rl.Allow("key1"))
	assert.True(t, rl.Allow("key1"))
	assert.False(t, rl.Allow("key1"))

	// separate bucket
	assert.True(t, rl.Allow("key2"))

	clock.Advance(1100 * time.Millisecond)
	assert.True(t, rl.Allow("key1"))

	rl.Reset("key1")
	assert.True(t, rl.Allow("key1"))

	stats := rl.GetStats()
	assert.Equal(t, Stats{ActiveBuckets: 2, TotalCapacity: 2, RefillRate: 1.0}, stats)

	rl.Remove("key1")
	assert.Equal(t, 1, rl.GetStats().ActiveBuckets)
}

func TestRateLimiterConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(100, 0, 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if rl.Allow("concurrent-test") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, allowed)
	assert.Equal(t, 1, rl.GetStats().ActiveBuckets)
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the form stays readable after the middleware parsed it
		w.Write([]byte(r.PostFormValue("grant_type")))
	})

	newRequest := func(remote string, form url.Values) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/oauth2/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = remote
		return req
	}

	t.Run("per client", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.PerClientCapacity = 1
		cfg.PerClientRefillRate = 0
		h := NewMiddleware(cfg).Handler(ok)

		w := httptest.NewRecorder()
		h.ServeHTTP(w, newRequest("10.0.0.1:1234", url.Values{"client_id": {"app"}, "grant_type": {"client_credentials"}}))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "client_credentials", w.Body.String())

		w = httptest.NewRecorder()
		h.ServeHTTP(w, newRequest("10.0.0.2:1234", url.Values{"client_id": {"app"}}))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
		assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

		w = httptest.NewRecorder()
		req := newRequest("10.0.0.3:1234", url.Values{})
		req.SetBasicAuth("other", "secret")
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("per ip", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.PerIPCapacity = 1
		cfg.PerIPRefillRate = 0
		h := NewMiddleware(cfg).Handler(ok)

		w := httptest.NewRecorder()
		h.ServeHTTP(w, newRequest("10.0.0.1:1234", url.Values{}))
		assert.Equal(t, http.StatusOK, w.Code)

		w = httptest.NewRecorder()
		h.ServeHTTP(w, newRequest("10.0.0.1:5678", url.Values{}))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("proxy headers only when trusted", func(t *testing.T) {
		cfg := DefaultConfig()
		m := NewMiddleware(cfg)
		req := newRequest("10.0.0.1:1234", url.Values{})
		req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		assert.Equal(t, "10.0.0.1", m.clientIP(req))

		cfg.TrustProxyHeaders = true
		assert.Equal(t, "203.0.113.9", m.clientIP(req))
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Enabled = false
		cfg.PerIPCapacity = 0
		h := NewMiddleware(cfg).Handler(ok)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, newRequest("10.0.0.1:1234", url.Values{}))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func BenchmarkRateLimiterAllow(b *testing.B) {
	rl := NewRateLimiter(1000000, 1000000.0, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow("benchmark-key")
	}
}

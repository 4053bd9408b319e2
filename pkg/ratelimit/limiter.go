package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// TokenBucket implements the token bucket algorithm for rate limiting
type TokenBucket struct {
	capacity   int
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
	now        func() time.Time
}

// NewTokenBucket creates a full bucket holding capacity tokens, refilled at refillRate per second
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token, reporting false when the bucket is empty
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens = min(float64(tb.capacity), tb.tokens+now.Sub(tb.lastRefill).Seconds()*tb.refillRate)
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// Tokens returns the current number of available tokens
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tokens
}

// Reset refills the bucket
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens = float64(tb.capacity)
	tb.lastRefill = tb.now()
}

// RateLimiter keeps one bucket per key. Buckets idle for longer than the TTL are dropped.
type RateLimiter struct {
	buckets    *cache.Cache
	capacity   int
	refillRate float64
	mu         sync.Mutex
	now        func() time.Time
}

// NewRateLimiter creates a limiter allowing capacity requests in a burst and
// refillRate requests per second per key. ttl of 0 keeps buckets forever.
func NewRateLimiter(capacity int, refillRate float64, ttl time.Duration) *RateLimiter {
	expiration := cache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		expiration = ttl
		cleanup = ttl
	}
	return &RateLimiter{
		buckets:    cache.New(expiration, cleanup),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// Allow takes a token from key's bucket
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	var bucket *TokenBucket
	if v, ok := rl.buckets.Get(key); ok {
		bucket = v.(*TokenBucket)
	} else {
		bucket = newTokenBucket(rl.capacity, rl.refillRate, rl.now)
	}
	// re-set on every use so the TTL counts from the last request
	rl.buckets.SetDefault(key, bucket)
	rl.mu.Unlock()

	return bucket.Allow()
}

// Reset refills key's bucket
func (rl *RateLimiter) Reset(key string) {
	if v, ok := rl.buckets.Get(key); ok {
		v.(*TokenBucket).Reset()
	}
}

// Remove drops key's bucket
func (rl *RateLimiter) Remove(key string) {
	rl.buckets.Delete(key)
}

// Stats describes a limiter
type Stats struct {
	ActiveBuckets int
	TotalCapacity int
	RefillRate    float64
}

// GetStats returns current statistics
func (rl *RateLimiter) GetStats() Stats {
	return Stats{
		ActiveBuckets: rl.buckets.ItemCount(),
		TotalCapacity: rl.capacity,
		RefillRate:    rl.refillRate,
	}
}

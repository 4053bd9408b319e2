package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
)

var rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "idp_ratelimit_rejections_total",
	Help: "Requests rejected by the rate limiter, by limit type.",
}, []string{"type"})

// RegisterMetrics registers the rejection counter with reg, or the default registerer when nil
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(rejections); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return err
		}
	}
	return nil
}

// Config holds rate limiting configuration for the token endpoints
type Config struct {
	Enabled bool `env:"RATE_LIMIT_ENABLED" env-default:"true"`

	// Per-IP limit, applied to every request
	PerIPCapacity   int     `env:"RATE_LIMIT_IP_BURST" env-default:"100"`
	PerIPRefillRate float64 `env:"RATE_LIMIT_IP_PER_SECOND" env-default:"1.67"`

	// Per-client limit, keyed by the client_id the request claims
	PerClientCapacity   int     `env:"RATE_LIMIT_CLIENT_BURST" env-default:"200"`
	PerClientRefillRate float64 `env:"RATE_LIMIT_CLIENT_PER_SECOND" env-default:"3.33"`

	// BucketTTL is how long an idle bucket is kept
	BucketTTL time.Duration `env:"RATE_LIMIT_BUCKET_TTL" env-default:"1h"`

	// TrustProxyHeaders takes the client IP from X-Forwarded-For / X-Real-IP
	TrustProxyHeaders bool `env:"RATE_LIMIT_TRUST_PROXY" env-default:"false"`
}

// DefaultConfig returns 100 requests per minute per IP and 200 per client
func DefaultConfig() *Config {
	return &Config{
		Enabled:             true,
		PerIPCapacity:       100,
		PerIPRefillRate:     100.0 / 60.0,
		PerClientCapacity:   200,
		PerClientRefillRate: 200.0 / 60.0,
		BucketTTL:           time.Hour,
	}
}

// Middleware limits requests per IP and per client
type Middleware struct {
	config        *Config
	ipLimiter     *RateLimiter
	clientLimiter *RateLimiter
}

// NewMiddleware creates a new rate limiting middleware
func NewMiddleware(config *Config) *Middleware {
	if config == nil {
		config = DefaultConfig()
	}
	return &Middleware{
		config:        config,
		ipLimiter:     NewRateLimiter(config.PerIPCapacity, config.PerIPRefillRate, config.BucketTTL),
		clientLimiter: NewRateLimiter(config.PerClientCapacity, config.PerClientRefillRate, config.BucketTTL),
	}
}

// Handler returns the rate limiting middleware handler
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip := m.clientIP(r)
		if ip != "" && !m.ipLimiter.Allow(ip) {
			m.rateLimitExceeded(w, r, "ip", ip)
			return
		}

		if clientID := requestClientID(r); clientID != "" && !m.clientLimiter.Allow(clientID) {
			m.rateLimitExceeded(w, r, "client", clientID)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", m.config.PerIPCapacity))
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) rateLimitExceeded(w http.ResponseWriter, r *http.Request, limitType, key string) {
	slog.Warn("Rate limit exceeded", "type", limitType, "key", key, "path", r.URL.Path, "method", r.Method)
	rejections.WithLabelValues(limitType).Inc()

	w.Header().Set("Retry-After", "60")
	render.Status(r, http.StatusTooManyRequests)
	render.JSON(w, r, map[string]string{
		"error":             "rate_limit_exceeded",
		"error_description": "Too many requests. Please try again later.",
	})
}

// clientIP extracts the client IP address from the request
func (m *Middleware) clientIP(r *http.Request) string {
	if m.config.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// requestClientID returns the client_id from HTTP Basic credentials or the form,
// before authentication. Parsing the form here leaves r.PostForm populated for the handler.
func requestClientID(r *http.Request) string {
	if id, _, ok := r.BasicAuth(); ok {
		if unescaped, err := url.QueryUnescape(id); err == nil {
			return unescaped
		}
		return id
	}
	if err := r.ParseForm(); err != nil {
		return ""
	}
	return r.PostFormValue("client_id")
}

// GetStats returns statistics about both limiters
func (m *Middleware) GetStats() map[string]Stats {
	return map[string]Stats{
		"ip":     m.ipLimiter.GetStats(),
		"client": m.clientLimiter.GetStats(),
	}
}

// Reset refills the buckets of an IP or client
func (m *Middleware) Reset(key string) {
	m.ipLimiter.Reset(key)
	m.clientLimiter.Reset(key)
}

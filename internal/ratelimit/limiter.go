// Package ratelimit implements the edge-only rate limiter. Internal
// services never mount this — only the public gateway does.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ocx/platform/internal/edge"
)

// Store is a minimal interface any Redis client can satisfy, so this
// package never imports a specific driver's types into its public API.
type Store interface {
	IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Config is the token-bucket-by-fixed-window threshold for a key.
type Config struct {
	MaxPerMinute int
	BurstSize    int
}

// Limiter enforces per-key request limits against a shared Store, so
// every gateway replica observes the same counters.
type Limiter struct {
	store  Store
	prefix string
	cfg    Config
}

// New constructs a Limiter over store.
func New(store Store, prefix string, cfg Config) *Limiter {
	if prefix == "" {
		prefix = "ocx:ratelimit:"
	}
	if cfg.MaxPerMinute == 0 {
		cfg.MaxPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxPerMinute * 2
	}
	return &Limiter{store: store, prefix: prefix, cfg: cfg}
}

// Allow reports whether a request keyed by key should proceed.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := l.store.IncrWithExpire(ctx, l.prefix+key, time.Minute)
	if err != nil {
		return false, fmt.Errorf("ratelimit: incr: %w", err)
	}
	return count <= int64(l.cfg.BurstSize), nil
}

// Middleware rejects requests over the limit with 429, keying on the
// caller's service name header when present, else remote address.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-service-name")
		if key == "" {
			key = r.RemoteAddr
		}
		ok, err := l.Allow(r.Context(), key)
		if err != nil {
			// fail open: a limiter outage must not take down the gateway.
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			w.Header().Set("Retry-After", "60")
			edge.WriteProblem(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

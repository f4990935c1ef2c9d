// Package ratelimit implements per-adapter token buckets that throttle dispatches.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages per-adapter rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]Rate
	defaultRate  rate.Limit
	defaultBurst int
	observe      func(adapter string, waited time.Duration)
}

// Rate is a rate/burst pair for one adapter.
type Rate struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// PerAdapter overrides the default for specific adapter slugs.
	PerAdapter map[string]Rate
	// Observe, when set, receives waits longer than a millisecond.
	Observe func(adapter string, waited time.Duration)
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r, burst := limits(cfg.DefaultRPS, cfg.DefaultBurst)
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    cfg.PerAdapter,
		defaultRate:  r,
		defaultBurst: burst,
		observe:      cfg.Observe,
	}
}

func limits(rps float64, burst int) (rate.Limit, int) {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return r, burst
}

// Wait blocks until a token is available for the adapter, respecting the context.
func (l *Limiter) Wait(ctx context.Context, adapter string) error {
	if adapter == "" {
		adapter = "unknown"
	}
	l.mu.Lock()
	limiter, exists := l.limiters[adapter]
	if !exists {
		r, burst := l.defaultRate, l.defaultBurst
		if o, ok := l.overrides[adapter]; ok {
			r, burst = limits(o.RPS, o.Burst)
		}
		limiter = rate.NewLimiter(r, burst)
		l.limiters[adapter] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.observe != nil {
		l.observe(adapter, waited)
	}
	return nil
}

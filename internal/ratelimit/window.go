// Package ratelimit throttles inbound requests with fixed windows held in
// the KV store and paces outbound sends with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"inboxbot/internal/domain"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// WindowConfig configures a fixed-window limiter.
type WindowConfig struct {
	Store  domain.KVStore
	Prefix string // key namespace, e.g. "rl:webhook"
	Limit  int    // requests per window; <= 0 disables limiting
	Window time.Duration
}

// Window counts requests per identity in fixed windows. The counter is
// created with TTL = window and resets when the key expires.
type Window struct {
	store  domain.KVStore
	prefix string
	limit  int
	window time.Duration
}

func NewWindow(cfg WindowConfig) *Window {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rl"
	}
	return &Window{
		store:  cfg.Store,
		prefix: cfg.Prefix,
		limit:  cfg.Limit,
		window: cfg.Window,
	}
}

// Allow records one request for identity. A rejected decision comes with a
// *domain.RateLimitError.
func (w *Window) Allow(ctx context.Context, identity string) (Decision, error) {
	if w.limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	key := w.prefix + ":" + identity
	n, err := w.store.Incr(ctx, key, w.window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if n == 1 {
		// First hit opens the window; make the TTL explicit for stores
		// that ignore Incr's ttl.
		if err := w.store.Expire(ctx, key, w.window); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	d := Decision{Allowed: n <= int64(w.limit), Count: n, Limit: w.limit}
	if d.Allowed {
		return d, nil
	}
	ttl, err := w.store.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		ttl = w.window
	}
	d.RetryAfter = ttl
	return d, &domain.RateLimitError{Identity: identity, RetryAfter: ttl}
}

// Package outbound delivers replies to chat platforms behind a circuit
// breaker, a retry loop and an egress budget.
package outbound

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"inboxbot/internal/domain"
)

// BreakerState is the position of a circuit breaker: 0 closed, 1 half-open,
// 2 open.
type BreakerState = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// BreakerConfig configures every breaker created by a Breakers set.
type BreakerConfig struct {
	Threshold int           // consecutive failures before opening
	Timeout   time.Duration // how long to stay open before a trial
	// OnStateChange, if set, observes every transition.
	OnStateChange func(destination string, from, to BreakerState)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Breaker guards a single destination. Closed lets calls through, Open fails
// them fast, Half-Open admits exactly one trial call.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	threshold := uint32(cfg.Threshold)
	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: cfg.OnStateChange,
	})}
}

// Allow reports whether a call may proceed. On success the returned func
// must be called exactly once with the call's outcome.
func (b *Breaker) Allow() (func(failed bool), error) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.cb.Name(), domain.ErrCircuitOpen)
	}
	return func(failed bool) { done(!failed) }, nil
}

// State returns the current position, reporting an expired Open as Half-Open.
func (b *Breaker) State() BreakerState {
	return b.cb.State()
}

// Failures returns the current run of consecutive failures.
func (b *Breaker) Failures() int {
	return int(b.cb.Counts().ConsecutiveFailures)
}

// Breakers holds one breaker per destination, created on first use.
type Breakers struct {
	cfg BreakerConfig
	mu  sync.RWMutex
	m   map[string]*Breaker
}

func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg.withDefaults(), m: make(map[string]*Breaker)}
}

func (bs *Breakers) Get(destination string) *Breaker {
	bs.mu.RLock()
	b, ok := bs.m[destination]
	bs.mu.RUnlock()
	if ok {
		return b
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok := bs.m[destination]; ok {
		return b
	}
	b = NewBreaker(destination, bs.cfg)
	bs.m[destination] = b
	return b
}

// States snapshots the state of every known destination.
func (bs *Breakers) States() map[string]BreakerState {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := make(map[string]BreakerState, len(bs.m))
	for name, b := range bs.m {
		out[name] = b.State()
	}
	return out
}

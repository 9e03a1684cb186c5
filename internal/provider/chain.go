package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"inboxbot/internal/domain"
)

// ErrEmptyCompletion is returned when a backend answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")

// ChainConfig configures a prioritized backend chain.
type ChainConfig struct {
	Attempts       int           // tries per backend
	BackoffStep    time.Duration // sleep attempt*step between tries
	PerCallTimeout time.Duration
	Logger         *slog.Logger
	// OnAttempt, if set, observes every try.
	OnAttempt func(backend string, err error, elapsed time.Duration)
}

// Chain tries backends in priority order. Each backend gets several tries
// with linear backoff, and every try runs under its own timeout.
type Chain struct {
	providers []domain.Provider
	attempts  int
	step      time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	onAttempt func(string, error, time.Duration)
}

func NewChain(providers []domain.Provider, cfg ChainConfig) *Chain {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = 500 * time.Millisecond
	}
	if cfg.PerCallTimeout <= 0 {
		cfg.PerCallTimeout = 8 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Chain{
		providers: providers,
		attempts:  cfg.Attempts,
		step:      cfg.BackoffStep,
		timeout:   cfg.PerCallTimeout,
		logger:    cfg.Logger,
		onAttempt: cfg.OnAttempt,
	}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return "chain(" + strings.Join(names, "→") + ")"
}

func (c *Chain) Models() []string {
	var all []string
	seen := make(map[string]bool)
	for _, p := range c.providers {
		for _, m := range p.Models() {
			if !seen[m] {
				seen[m] = true
				all = append(all, m)
			}
		}
	}
	return all
}

// Len returns the number of configured backends.
func (c *Chain) Len() int { return len(c.providers) }

func (c *Chain) Healthy(ctx context.Context) error {
	if len(c.providers) == 0 {
		return errors.New("no generation backends configured")
	}
	for _, p := range c.providers {
		if err := p.Healthy(ctx); err == nil {
			return nil
		}
	}
	return errors.New("no healthy backend in chain")
}

// Chat returns the first non-empty completion. The response's Model field
// names the backend that produced it.
func (c *Chain) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(c.providers) == 0 {
		return nil, errors.New("no generation backends configured")
	}
	var lastErr error
	for i, p := range c.providers {
		resp, err := c.try(ctx, p, req)
		if err == nil {
			if i > 0 {
				c.logger.Info("chain: used fallback backend", "backend", p.Name(), "position", i+1)
			}
			if resp.Model == "" {
				resp.Model = p.Name()
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("chain: backend failed, trying next", "backend", p.Name(), "position", i+1, "err", err)
	}
	return nil, fmt.Errorf("all backends in chain failed: %w", lastErr)
}

func (c *Chain) try(ctx context.Context, p domain.Provider, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * c.step
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		resp, err := p.Chat(callCtx, req)
		cancel()
		if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
			err = ErrEmptyCompletion
		}
		if c.onAttempt != nil {
			c.onAttempt(p.Name(), err, time.Since(start))
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug("chain: attempt failed", "backend", p.Name(), "attempt", attempt, "err", err)
	}
	return nil, lastErr
}

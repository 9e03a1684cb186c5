package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"inboxbot/internal/domain"
	"inboxbot/internal/metrics"
	"inboxbot/internal/ratelimit"
)

const (
	MaxTextRunes = 2000

	defaultMaxAttempts    = 3
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// Attempt is one try inside a delivery retry loop. It is logged, not stored.
type Attempt struct {
	Target  string
	Number  int
	Outcome string // ok | retry | permanent | circuit_open
	Latency time.Duration
	Err     error
}

// ClientConfig holds all dependencies and tuning parameters for delivery.
type ClientConfig struct {
	Transports     []domain.Transport
	Store          domain.MessageStore // outbound messages are recorded here; optional
	Budget         *ratelimit.Budget   // egress budget shared by all transports; optional
	Breakers       *Breakers
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Clock          func() time.Time
	// OnAttempt, if set, observes every try.
	OnAttempt func(Attempt)
}

// Client sends outbound messages through the transport for their channel.
type Client struct {
	transports  map[domain.Channel]domain.Transport
	store       domain.MessageStore
	budget      *ratelimit.Budget
	breakers    *Breakers
	maxAttempts int
	initial     time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	clock       func() time.Time
	onAttempt   func(Attempt)
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewBreakers(BreakerConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	transports := make(map[domain.Channel]domain.Transport, len(cfg.Transports))
	for _, t := range cfg.Transports {
		transports[t.Channel()] = t
	}
	return &Client{
		transports:  transports,
		store:       cfg.Store,
		budget:      cfg.Budget,
		breakers:    cfg.Breakers,
		maxAttempts: cfg.MaxAttempts,
		initial:     cfg.InitialBackoff,
		maxBackoff:  cfg.MaxBackoff,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
		onAttempt:   cfg.OnAttempt,
	}
}

// Breakers exposes the per-destination breakers for health reporting.
func (c *Client) Breakers() *Breakers { return c.breakers }

// Channels lists the channels that have a transport.
func (c *Client) Channels() []domain.Channel {
	out := make([]domain.Channel, 0, len(c.transports))
	for ch := range c.transports {
		out = append(out, ch)
	}
	return out
}

// Validate checks msg without sending it.
func Validate(msg domain.OutboundMessage) error {
	if msg.RecipientID == "" {
		return fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}
	if msg.Text == "" && msg.Attachment == nil {
		return fmt.Errorf("%w: text or attachment is required", domain.ErrValidation)
	}
	if n := utf8.RuneCountInString(msg.Text); n > MaxTextRunes {
		return fmt.Errorf("%w: text is %d characters, limit is %d", domain.ErrValidation, n, MaxTextRunes)
	}
	if msg.Attachment != nil && msg.Attachment.URL == "" {
		return fmt.Errorf("%w: attachment url is required", domain.ErrValidation)
	}
	return nil
}

// Send validates msg, waits for egress budget, then delivers it with
// retries. A delivered message is recorded as an outbound Message.
func (c *Client) Send(ctx context.Context, msg domain.OutboundMessage) (domain.SendResult, error) {
	if err := Validate(msg); err != nil {
		return domain.SendResult{}, err
	}
	t, ok := c.transports[msg.Channel]
	if !ok {
		return domain.SendResult{}, fmt.Errorf("%w: no transport for channel %q", domain.ErrValidation, msg.Channel)
	}
	if c.budget != nil {
		if err := c.budget.Wait(ctx); err != nil {
			return domain.SendResult{}, fmt.Errorf("egress budget: %w", err)
		}
	}

	target := string(msg.Channel)
	breaker := c.breakers.Get(target)
	start := c.clock()

	var (
		mid      string
		attempts int
	)
	op := func() error {
		attempts++
		a := Attempt{Target: target, Number: attempts}
		done, err := breaker.Allow()
		if err != nil {
			a.Outcome, a.Err = "circuit_open", err
			c.observe(a)
			return backoff.Permanent(err)
		}

		callStart := time.Now()
		id, err := t.Send(ctx, msg)
		a.Latency = time.Since(callStart)
		a.Err = err
		retry := err != nil && retryable(err)
		// Only retryable failures count against the breaker.
		done(retry)

		switch {
		case err == nil:
			a.Outcome = "ok"
			mid = id
		case retry:
			a.Outcome = "retry"
		default:
			a.Outcome = "permanent"
		}
		c.observe(a)

		if err != nil && !retry {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		c.logger.Warn("send failed, will retry",
			"channel", msg.Channel,
			"recipient", msg.RecipientID,
			"attempt", attempts,
			"backoff", wait,
			"err", err,
		)
	})

	elapsed := c.clock().Sub(start)
	c.metrics.Send(target, err, elapsed)
	result := domain.SendResult{MessageID: mid, Attempts: attempts, Latency: elapsed}
	if err != nil {
		c.logger.Error("send failed",
			"channel", msg.Channel,
			"recipient", msg.RecipientID,
			"attempts", attempts,
			"err", err,
		)
		return result, fmt.Errorf("send to %s:%s: %w", msg.Channel, msg.RecipientID, err)
	}

	c.record(ctx, msg, mid)
	return result, nil
}

// SenderAction shows a typing indicator or read marker. It is best-effort:
// no retries, skipped while the destination breaker is open or the budget
// is exhausted.
func (c *Client) SenderAction(ctx context.Context, ch domain.Channel, recipientID string, action domain.SenderAction) error {
	t, ok := c.transports[ch]
	if !ok {
		return fmt.Errorf("%w: no transport for channel %q", domain.ErrValidation, ch)
	}
	if c.breakers.Get(string(ch)).State() != StateClosed {
		return domain.ErrCircuitOpen
	}
	if c.budget != nil && !c.budget.Allow() {
		return domain.ErrRateLimited
	}
	return t.SenderAction(ctx, recipientID, action)
}

func (c *Client) record(ctx context.Context, msg domain.OutboundMessage, mid string) {
	now := c.clock()
	var latency time.Duration
	if !msg.ReceivedAt.IsZero() {
		latency = now.Sub(msg.ReceivedAt)
		c.metrics.ResponseLatency(latency)
	}
	if c.store == nil {
		return
	}
	typ := domain.MessageText
	text := msg.Text
	if msg.Attachment != nil && text == "" {
		typ = domain.MessageAttachment
		text = msg.Attachment.URL
	}
	_, err := c.store.InsertMessage(ctx, domain.Message{
		Key:       domain.ConversationKey{Channel: msg.Channel, SenderID: msg.RecipientID},
		MID:       mid,
		Direction: domain.DirectionOutbound,
		Type:      typ,
		Text:      text,
		Processed: true,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: now,
	})
	if err != nil {
		c.logger.Warn("failed to record outbound message", "channel", msg.Channel, "recipient", msg.RecipientID, "err", err)
	}
}

func (c *Client) observe(a Attempt) {
	c.logger.Debug("delivery attempt",
		"target", a.Target,
		"attempt", a.Number,
		"outcome", a.Outcome,
		"latency", a.Latency,
		"err", a.Err,
	)
	if c.onAttempt != nil {
		c.onAttempt(a)
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retryable classifies a transport error. Structured platform errors decide
// for themselves; context cancellation and an open breaker never retry;
// anything else is treated as a network failure.
func retryable(err error) bool {
	var se *domain.SendError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, domain.ErrCircuitOpen) || errors.Is(err, domain.ErrValidation) {
		return false
	}
	return true
}

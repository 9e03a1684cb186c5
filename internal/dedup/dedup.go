// Package dedup drops webhook events the platform has already delivered.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"inboxbot/internal/domain"
)

const prefixRunes = 50

// Config configures the Suppressor.
type Config struct {
	Store   domain.KVStore
	Horizon time.Duration // how long a key is remembered
	Logger  *slog.Logger
}

// Suppressor remembers event keys for a horizon and reports repeats.
type Suppressor struct {
	store   domain.KVStore
	horizon time.Duration
	logger  *slog.Logger
}

func New(cfg Config) *Suppressor {
	if cfg.Horizon <= 0 {
		cfg.Horizon = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Suppressor{store: cfg.Store, horizon: cfg.Horizon, logger: cfg.Logger}
}

// Seen marks key as processed and reports whether it had been seen before.
// Store failures are logged and treated as first sight.
func (s *Suppressor) Seen(ctx context.Context, key string) (bool, error) {
	first, err := s.store.SetNX(ctx, "dedup:"+key, []byte{1}, s.horizon)
	if err != nil {
		s.logger.Warn("dedup store failed, processing event", "key", key, "err", err)
		return false, err
	}
	return !first, nil
}

// Forget drops key so a redelivery of the event is processed again.
func (s *Suppressor) Forget(ctx context.Context, key string) {
	if err := s.store.Delete(ctx, "dedup:"+key); err != nil {
		s.logger.Warn("dedup forget failed", "key", key, "err", err)
	}
}

// Key builds the dedup key for an event: the provider message id when
// present, otherwise sender, second bucket and a text prefix.
func Key(evt domain.InboundEvent) string {
	if mid := evt.MessageID(); mid != "" {
		return "mid:" + mid
	}
	text := []rune(evt.Text())
	if len(text) > prefixRunes {
		text = text[:prefixRunes]
	}
	return fmt.Sprintf("cmp:%s:%s:%d:%s", evt.Channel, evt.SenderID, evt.Timestamp.Unix(), string(text))
}

package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"inboxbot/internal/domain"
)

// AggregatorConfig configures turn aggregation.
type AggregatorConfig struct {
	Store        domain.MessageStore
	HistoryLimit int           // messages fetched per lookup
	Threshold    time.Duration // max gap inside one turn
	Policy       Policy
	Clock        func() time.Time
}

// Aggregator turns the stored history of a sender into the latest turn.
type Aggregator struct {
	store     domain.MessageStore
	limit     int
	threshold time.Duration
	policy    Policy
	clock     func() time.Time
}

func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 30 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyImmediate
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Aggregator{
		store:     cfg.Store,
		limit:     cfg.HistoryLimit,
		threshold: cfg.Threshold,
		policy:    cfg.Policy,
		clock:     cfg.Clock,
	}
}

// Snapshot is what the responder needs to answer a sender.
type Snapshot struct {
	Turn          Turn
	History       []domain.Message // oldest first, both directions
	ShouldRespond bool
}

// Latest fetches recent history for key and returns its newest turn.
// ok is false when the sender has no inbound messages.
func (a *Aggregator) Latest(ctx context.Context, key domain.ConversationKey) (Snapshot, bool, error) {
	msgs, err := a.store.RecentMessages(ctx, key, a.limit)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load history %s: %w", key, err)
	}
	turns := Group(msgs, a.threshold)
	if len(turns) == 0 {
		return Snapshot{}, false, nil
	}
	latest := turns[len(turns)-1]

	history := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		history[len(msgs)-1-i] = m
	}
	return Snapshot{
		Turn:          latest,
		History:       history,
		ShouldRespond: a.policy.ShouldRespond(latest, a.threshold, a.clock()),
	}, true, nil
}

// Transcript renders history oldest first, one line per message.
func Transcript(history []domain.Message) string {
	var sb strings.Builder
	for _, m := range history {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		role := "User"
		if m.Direction == domain.DirectionOutbound {
			role = "Assistant"
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(strings.TrimSpace(m.Text))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// UserText joins only the inbound side of history, for attribute extraction.
func UserText(history []domain.Message) string {
	var parts []string
	for _, m := range history {
		if m.Direction == domain.DirectionInbound && strings.TrimSpace(m.Text) != "" {
			parts = append(parts, strings.TrimSpace(m.Text))
		}
	}
	return strings.Join(parts, "\n")
}

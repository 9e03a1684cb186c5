package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"inboxbot/internal/bus"
	"inboxbot/internal/conversation"
	"inboxbot/internal/dedup"
	"inboxbot/internal/domain"
	"inboxbot/internal/intent"
	"inboxbot/internal/metrics"
)

// Outcome is what the pipeline did with one inbound event.
type Outcome string

const (
	OutcomeReplied   Outcome = "replied"
	OutcomeStored    Outcome = "stored"    // persisted, no reply due yet
	OutcomeSkipped   Outcome = "skipped"   // turn already answered
	OutcomeEscalated Outcome = "escalated" // conversation is with a human
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeEcho      Outcome = "echo"
	OutcomeStatus    Outcome = "status" // delivery or read receipt applied
	OutcomeReferral  Outcome = "referral"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeFailed    Outcome = "failed"
)

// Sender delivers replies and typing indicators.
type Sender interface {
	Send(ctx context.Context, msg domain.OutboundMessage) (domain.SendResult, error)
	SenderAction(ctx context.Context, channel domain.Channel, recipientID string, action domain.SenderAction) error
}

// PipelineConfig holds all dependencies of the inbound pipeline.
type PipelineConfig struct {
	Store      domain.MessageStore
	Dedup      *dedup.Suppressor
	Aggregator *conversation.Aggregator
	Manager    *conversation.Manager
	Classifier *intent.Classifier
	Responder  *Responder
	Sender     Sender
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Feed       *bus.Feed // optional activity stream
	Clock      func() time.Time
}

// Pipeline is the core engine: inbound event → persist → aggregate →
// classify → reply → deliver.
type Pipeline struct {
	store      domain.MessageStore
	dedup      *dedup.Suppressor
	aggregator *conversation.Aggregator
	manager    *conversation.Manager
	classifier *intent.Classifier
	responder  *Responder
	sender     Sender
	logger     *slog.Logger
	metrics    *metrics.Metrics
	feed       *bus.Feed
	clock      func() time.Time
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = intent.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Manager == nil {
		cfg.Manager = conversation.NewManager(cfg.Store, cfg.Logger)
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = conversation.NewAggregator(conversation.AggregatorConfig{Store: cfg.Store, Clock: cfg.Clock})
	}
	return &Pipeline{
		store:      cfg.Store,
		dedup:      cfg.Dedup,
		aggregator: cfg.Aggregator,
		manager:    cfg.Manager,
		classifier: cfg.Classifier,
		responder:  cfg.Responder,
		sender:     cfg.Sender,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		feed:       cfg.Feed,
		clock:      cfg.Clock,
	}
}

// Handle processes one messaging event. Errors from collaborators are
// returned for logging; callers must not turn them into webhook failures.
func (p *Pipeline) Handle(ctx context.Context, evt domain.InboundEvent) (Outcome, error) {
	out, err := p.handle(ctx, evt)
	p.metrics.Event(string(evt.Channel), string(evt.Kind), string(out))
	if out != OutcomeInvalid {
		p.feed.Publish(bus.Activity{
			Type:     bus.TypeEventProcessed,
			Channel:  string(evt.Channel),
			SenderID: evt.SenderID,
			Kind:     string(evt.Kind),
			Outcome:  string(out),
			At:       p.clock(),
		})
	}
	if err != nil {
		p.logger.Warn("event processing failed",
			"channel", evt.Channel,
			"sender", evt.SenderID,
			"kind", evt.Kind,
			"outcome", out,
			"err", err,
		)
	}
	return out, err
}

func (p *Pipeline) handle(ctx context.Context, evt domain.InboundEvent) (Outcome, error) {
	if !evt.Valid() || evt.SenderID == "" {
		return OutcomeInvalid, fmt.Errorf("%w: malformed %s event", domain.ErrValidation, evt.Kind)
	}

	switch evt.Kind {
	case domain.EventMessage:
		if evt.Message.IsEcho {
			return OutcomeEcho, nil
		}
		return p.handleInbound(ctx, evt)
	case domain.EventPostback:
		return p.handleInbound(ctx, evt)
	case domain.EventDelivery:
		if _, err := p.store.MarkDelivered(ctx, evt.Key(), evt.Delivery.MIDs, evt.Delivery.Watermark); err != nil {
			return OutcomeFailed, fmt.Errorf("mark delivered: %w", err)
		}
		return OutcomeStatus, nil
	case domain.EventRead:
		if _, err := p.store.MarkRead(ctx, evt.Key(), evt.Read.Watermark); err != nil {
			return OutcomeFailed, fmt.Errorf("mark read: %w", err)
		}
		return OutcomeStatus, nil
	case domain.EventReferral:
		p.logger.Info("referral received",
			"channel", evt.Channel,
			"sender", evt.SenderID,
			"ref", evt.Referral.Ref,
			"source", evt.Referral.Source,
		)
		if err := p.manager.Touch(ctx, evt.Key(), p.eventTime(evt)); err != nil {
			return OutcomeFailed, fmt.Errorf("touch conversation: %w", err)
		}
		return OutcomeReferral, nil
	}
	return OutcomeInvalid, fmt.Errorf("%w: unknown event kind %q", domain.ErrValidation, evt.Kind)
}

func (p *Pipeline) handleInbound(ctx context.Context, evt domain.InboundEvent) (Outcome, error) {
	if p.dedup != nil {
		// Seen fails open: a store error still yields false.
		if seen, _ := p.dedup.Seen(ctx, dedup.Key(evt)); seen {
			p.logger.Debug("duplicate event dropped", "channel", evt.Channel, "sender", evt.SenderID, "mid", evt.MessageID())
			return OutcomeDuplicate, nil
		}
	}

	msg := p.inboundMessage(evt)
	inserted, err := p.store.InsertMessage(ctx, msg)
	if err != nil {
		if p.dedup != nil {
			p.dedup.Forget(ctx, dedup.Key(evt))
		}
		return OutcomeFailed, fmt.Errorf("persist inbound message: %w", err)
	}
	if !inserted {
		return OutcomeDuplicate, nil
	}
	p.logger.Info("inbound message stored",
		"channel", evt.Channel,
		"sender", evt.SenderID,
		"type", msg.Type,
		"intent", msg.Intent,
	)

	if strings.TrimSpace(msg.Text) == "" {
		return OutcomeStored, nil
	}
	return p.respond(ctx, evt.Key())
}

func (p *Pipeline) inboundMessage(evt domain.InboundEvent) domain.Message {
	text := strings.TrimSpace(evt.Text())
	typ := domain.MessageText
	switch {
	case evt.Kind == domain.EventPostback:
		typ = domain.MessagePostback
	case evt.Message.QuickReply != "":
		typ = domain.MessageQuickReply
	case evt.Message.Text == "" && len(evt.Message.Attachments) > 0:
		typ = domain.MessageAttachment
	}
	msg := domain.Message{
		Key:       evt.Key(),
		MID:       evt.MessageID(),
		Direction: domain.DirectionInbound,
		Type:      typ,
		Text:      text,
		CreatedAt: p.eventTime(evt),
	}
	if text != "" {
		msg.Intent = p.classifier.Classify(text)
	}
	return msg
}

// respond answers the latest turn of key, at most once per turn.
func (p *Pipeline) respond(ctx context.Context, key domain.ConversationKey) (Outcome, error) {
	unlock := p.manager.Lock(key)
	defer unlock()

	conv, err := p.manager.GetOrCreate(ctx, key)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("load conversation: %w", err)
	}
	snap, ok, err := p.aggregator.Latest(ctx, key)
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		return OutcomeStored, nil
	}
	if newest := newestInbound(snap.History); newest == nil || newest.Processed {
		return OutcomeSkipped, nil
	}
	if !snap.ShouldRespond {
		return OutcomeStored, nil
	}

	if conv.State == domain.StateEscalatedToHuman {
		updated, _ := conversation.Apply(*conv, conversation.Update{UserText: snap.Turn.Text, At: p.clock()})
		updated.State = domain.StateEscalatedToHuman
		if err := p.manager.Save(ctx, updated); err != nil {
			return OutcomeFailed, err
		}
		if _, err := p.store.MarkProcessed(ctx, key, snap.Turn.End); err != nil {
			return OutcomeFailed, fmt.Errorf("mark processed: %w", err)
		}
		return OutcomeEscalated, nil
	}

	detected := p.classifier.Classify(snap.Turn.Text)
	p.metrics.Intent(string(detected))

	p.senderAction(ctx, key, domain.ActionMarkSeen)
	p.senderAction(ctx, key, domain.ActionTypingOn)

	reply, err := p.responder.Reply(ctx, Request{
		Key:          key,
		Text:         snap.Turn.Text,
		Transcript:   conversation.Transcript(snap.History),
		UserText:     conversation.UserText(snap.History),
		MessageCount: conv.MessageCount + 1,
		Intent:       detected,
		Known:        conv.Info,
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("generate reply: %w", err)
	}

	res, err := p.sender.Send(ctx, domain.OutboundMessage{
		Channel:       key.Channel,
		RecipientID:   key.SenderID,
		Text:          reply.Text,
		MessagingType: "RESPONSE",
		ReceivedAt:    snap.Turn.End,
	})
	if err != nil {
		p.senderAction(ctx, key, domain.ActionTypingOff)
		return OutcomeFailed, fmt.Errorf("deliver reply: %w", err)
	}

	updated, _ := conversation.Apply(*conv, conversation.Update{
		UserText: snap.Turn.Text,
		Reply:    reply.Text,
		Intent:   detected,
		Info:     reply.Info,
		At:       p.clock(),
	})
	if updated.State != conv.State {
		p.logger.Info("conversation state changed",
			"channel", key.Channel,
			"sender", key.SenderID,
			"from", conv.State,
			"to", updated.State,
		)
		if updated.State == domain.StateEscalatedToHuman {
			p.feed.Publish(bus.Activity{
				Type:     bus.TypeEscalated,
				Channel:  string(key.Channel),
				SenderID: key.SenderID,
				Intent:   string(detected),
				At:       p.clock(),
			})
		}
	}

	var errs []error
	if err := p.manager.Save(ctx, updated); err != nil {
		errs = append(errs, err)
	}
	if _, err := p.store.MarkProcessed(ctx, key, snap.Turn.End); err != nil {
		errs = append(errs, fmt.Errorf("mark processed: %w", err))
	}

	p.logger.Info("reply sent",
		"channel", key.Channel,
		"sender", key.SenderID,
		"source", reply.Source,
		"message_id", res.MessageID,
		"attempts", res.Attempts,
		"turn_messages", snap.Turn.Messages,
	)
	p.feed.Publish(bus.Activity{
		Type:     bus.TypeReplySent,
		Channel:  string(key.Channel),
		SenderID: key.SenderID,
		Intent:   string(detected),
		Source:   sourceLabel(reply.Source),
		At:       p.clock(),
	})
	return OutcomeReplied, errors.Join(errs...)
}

func (p *Pipeline) senderAction(ctx context.Context, key domain.ConversationKey, action domain.SenderAction) {
	if err := p.sender.SenderAction(ctx, key.Channel, key.SenderID, action); err != nil {
		p.logger.Debug("sender action failed", "channel", key.Channel, "sender", key.SenderID, "action", action, "err", err)
	}
}

func (p *Pipeline) eventTime(evt domain.InboundEvent) time.Time {
	switch {
	case !evt.Timestamp.IsZero():
		return evt.Timestamp
	case !evt.ReceivedAt.IsZero():
		return evt.ReceivedAt
	}
	return p.clock()
}

func newestInbound(history []domain.Message) *domain.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Direction == domain.DirectionInbound {
			return &history[i]
		}
	}
	return nil
}

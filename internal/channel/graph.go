package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"inboxbot/internal/domain"
)

// --- Graph webhook payload types (Messenger and Instagram) ---

type graphPayload struct {
	Object string       `json:"object"`
	Entry  []graphEntry `json:"entry"`
}

type graphEntry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []graphMessaging `json:"messaging"`
}

type graphParty struct {
	ID string `json:"id"`
}

type graphMessaging struct {
	Sender    graphParty     `json:"sender"`
	Recipient graphParty     `json:"recipient"`
	Timestamp int64          `json:"timestamp"` // unix millis
	Message   *graphMessage  `json:"message,omitempty"`
	Postback  *graphPostback `json:"postback,omitempty"`
	Delivery  *graphDelivery `json:"delivery,omitempty"`
	Read      *graphRead     `json:"read,omitempty"`
	Referral  *graphReferral `json:"referral,omitempty"`
}

type graphMessage struct {
	MID        string `json:"mid"`
	Text       string `json:"text"`
	IsEcho     bool   `json:"is_echo"`
	QuickReply *struct {
		Payload string `json:"payload"`
	} `json:"quick_reply,omitempty"`
	Attachments []struct {
		Type    string `json:"type"`
		Payload struct {
			URL string `json:"url"`
		} `json:"payload"`
	} `json:"attachments,omitempty"`
}

type graphPostback struct {
	MID     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

type graphDelivery struct {
	MIDs      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

type graphRead struct {
	Watermark int64 `json:"watermark"`
}

type graphReferral struct {
	Ref    string `json:"ref"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

// ParseGraph validates the delivery structure and flattens it into events.
// Messaging items with no recognised payload are counted in skipped.
func ParseGraph(body []byte, receivedAt time.Time) (ch domain.Channel, events []domain.InboundEvent, skipped int, err error) {
	var p graphPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", nil, 0, fmt.Errorf("%w: invalid JSON: %v", domain.ErrValidation, err)
	}
	ch, ok := domain.ChannelForObject(p.Object)
	if !ok {
		return "", nil, 0, fmt.Errorf("%w: unsupported object %q", domain.ErrValidation, p.Object)
	}
	if len(p.Entry) == 0 {
		return "", nil, 0, fmt.Errorf("%w: entry is empty", domain.ErrValidation)
	}

	for _, entry := range p.Entry {
		for _, m := range entry.Messaging {
			evt, ok := m.event(ch, receivedAt)
			if !ok {
				skipped++
				continue
			}
			events = append(events, evt)
		}
	}
	return ch, events, skipped, nil
}

func (m graphMessaging) event(ch domain.Channel, receivedAt time.Time) (domain.InboundEvent, bool) {
	evt := domain.InboundEvent{
		Channel:     ch,
		RecipientID: m.Recipient.ID,
		SenderID:    m.Sender.ID,
		Timestamp:   fromMillis(m.Timestamp),
		ReceivedAt:  receivedAt,
	}
	switch {
	case m.Message != nil:
		evt.Kind = domain.EventMessage
		p := &domain.MessagePayload{MID: m.Message.MID, Text: m.Message.Text, IsEcho: m.Message.IsEcho}
		if m.Message.QuickReply != nil {
			p.QuickReply = m.Message.QuickReply.Payload
		}
		for _, a := range m.Message.Attachments {
			p.Attachments = append(p.Attachments, domain.Attachment{Type: a.Type, URL: a.Payload.URL})
		}
		evt.Message = p
	case m.Postback != nil:
		evt.Kind = domain.EventPostback
		evt.Postback = &domain.PostbackPayload{MID: m.Postback.MID, Title: m.Postback.Title, Payload: m.Postback.Payload}
	case m.Delivery != nil:
		evt.Kind = domain.EventDelivery
		evt.Delivery = &domain.DeliveryPayload{MIDs: m.Delivery.MIDs, Watermark: fromMillis(m.Delivery.Watermark)}
	case m.Read != nil:
		evt.Kind = domain.EventRead
		evt.Read = &domain.ReadPayload{Watermark: fromMillis(m.Read.Watermark)}
	case m.Referral != nil:
		evt.Kind = domain.EventReferral
		evt.Referral = &domain.ReferralPayload{Ref: m.Referral.Ref, Source: m.Referral.Source, Type: m.Referral.Type}
	default:
		return domain.InboundEvent{}, false
	}
	return evt, true
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

package domain

import "time"

// Channel identifies the chat platform an event arrived from.
type Channel string

const (
	ChannelMessenger Channel = "messenger"
	ChannelInstagram Channel = "instagram"
	ChannelTelegram  Channel = "telegram"
)

// ChannelForObject maps a Graph webhook "object" discriminator to a channel.
func ChannelForObject(object string) (Channel, bool) {
	switch object {
	case "page":
		return ChannelMessenger, true
	case "instagram":
		return ChannelInstagram, true
	}
	return "", false
}

// EventKind tags which payload of an InboundEvent is set.
type EventKind string

const (
	EventMessage  EventKind = "message"
	EventPostback EventKind = "postback"
	EventDelivery EventKind = "delivery"
	EventRead     EventKind = "read"
	EventReferral EventKind = "referral"
)

// InboundEvent is one messaging sub-event from a webhook delivery.
// Exactly one of the payload pointers matching Kind is non-nil.
type InboundEvent struct {
	Channel     Channel
	RecipientID string
	SenderID    string
	Timestamp   time.Time
	ReceivedAt  time.Time
	Kind        EventKind

	Message  *MessagePayload
	Postback *PostbackPayload
	Delivery *DeliveryPayload
	Read     *ReadPayload
	Referral *ReferralPayload
}

type MessagePayload struct {
	MID         string
	Text        string
	QuickReply  string // quick-reply payload, when the user tapped one
	Attachments []Attachment
	IsEcho      bool
}

type Attachment struct {
	Type string `json:"type"` // image | audio | video | file | template
	URL  string `json:"url,omitempty"`
}

type PostbackPayload struct {
	MID     string
	Title   string
	Payload string
}

type DeliveryPayload struct {
	MIDs      []string
	Watermark time.Time
}

type ReadPayload struct {
	Watermark time.Time
}

type ReferralPayload struct {
	Ref    string
	Source string
	Type   string
}

// Key returns the conversation key of the event's sender.
func (e InboundEvent) Key() ConversationKey {
	return ConversationKey{Channel: e.Channel, SenderID: e.SenderID}
}

// MessageID returns the provider message id, if the event carries one.
func (e InboundEvent) MessageID() string {
	switch e.Kind {
	case EventMessage:
		if e.Message != nil {
			return e.Message.MID
		}
	case EventPostback:
		if e.Postback != nil {
			return e.Postback.MID
		}
	}
	return ""
}

// Text returns the user-visible text carried by a message or postback.
func (e InboundEvent) Text() string {
	switch e.Kind {
	case EventMessage:
		if e.Message == nil {
			return ""
		}
		if e.Message.Text != "" {
			return e.Message.Text
		}
		return e.Message.QuickReply
	case EventPostback:
		if e.Postback == nil {
			return ""
		}
		if e.Postback.Title != "" {
			return e.Postback.Title
		}
		return e.Postback.Payload
	}
	return ""
}

// Valid reports whether the payload pointer matching Kind is set.
func (e InboundEvent) Valid() bool {
	switch e.Kind {
	case EventMessage:
		return e.Message != nil
	case EventPostback:
		return e.Postback != nil
	case EventDelivery:
		return e.Delivery != nil
	case EventRead:
		return e.Read != nil
	case EventReferral:
		return e.Referral != nil
	}
	return false
}

// OutboundMessage is a reply handed to the outbound delivery client.
type OutboundMessage struct {
	Channel       Channel
	RecipientID   string
	Text          string
	Attachment    *Attachment
	MessagingType string // RESPONSE | UPDATE | MESSAGE_TAG

	// ReceivedAt is when the user turn being answered arrived; zero for
	// unsolicited messages.
	ReceivedAt time.Time
}

// SendResult describes a delivered outbound message.
type SendResult struct {
	MessageID string
	Attempts  int
	Latency   time.Duration
}

package domain

import (
	"fmt"
	"time"
)

// ConversationKey identifies one user on one channel.
type ConversationKey struct {
	Channel  Channel `json:"channel"`
	SenderID string  `json:"sender_id"`
}

func (k ConversationKey) String() string {
	return fmt.Sprintf("%s:%s", k.Channel, k.SenderID)
}

// State is the conversation lifecycle stage.
type State string

const (
	StateInitial          State = "INITIAL"
	StateInteracting      State = "INTERACTING"
	StateDataCollected    State = "DATA_COLLECTED"
	StateEscalatedToHuman State = "ESCALATED_TO_HUMAN"
)

// UserInfo holds attributes extracted from what the user wrote.
type UserInfo struct {
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	BusinessType string `json:"business_type,omitempty"`
}

// Merge returns info with empty fields filled from other. Known values win.
func (u UserInfo) Merge(other UserInfo) UserInfo {
	if u.Name == "" {
		u.Name = other.Name
	}
	if u.Email == "" {
		u.Email = other.Email
	}
	if u.BusinessType == "" {
		u.BusinessType = other.BusinessType
	}
	return u
}

func (u UserInfo) IsZero() bool {
	return u.Name == "" && u.Email == "" && u.BusinessType == ""
}

type Conversation struct {
	Key             ConversationKey `json:"key"`
	State           State           `json:"state"`
	MessageCount    int             `json:"message_count"`
	LastActivity    time.Time       `json:"last_activity"`
	LastUserMessage string          `json:"last_user_message,omitempty"`
	LastReply       string          `json:"last_reply,omitempty"`
	Info            UserInfo        `json:"user_info"`
	CreatedAt       time.Time       `json:"created_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type MessageType string

const (
	MessageText       MessageType = "text"
	MessageAttachment MessageType = "attachment"
	MessagePostback   MessageType = "postback"
	MessageQuickReply MessageType = "quick_reply"
)

// Message is a persisted inbound or outbound message. Only the status
// flags change after insert.
type Message struct {
	ID        int64           `json:"id"`
	Key       ConversationKey `json:"key"`
	MID       string          `json:"mid,omitempty"`
	Direction Direction       `json:"direction"`
	Type      MessageType     `json:"type"`
	Text      string          `json:"text"`
	Processed bool            `json:"processed"`
	Intent    Intent          `json:"intent,omitempty"`
	LatencyMs int64           `json:"latency_ms,omitempty"`
	Delivered bool            `json:"delivered"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

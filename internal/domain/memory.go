package domain

import (
	"context"
	"time"
)

// MessageStore persists conversations and their messages.
type MessageStore interface {
	// InsertMessage stores a message. It reports false without error when a
	// message with the same non-empty MID already exists.
	InsertMessage(ctx context.Context, msg Message) (bool, error)

	// RecentMessages returns up to limit messages of a conversation, newest first.
	RecentMessages(ctx context.Context, key ConversationKey, limit int) ([]Message, error)

	GetConversation(ctx context.Context, key ConversationKey) (*Conversation, error)
	UpsertConversation(ctx context.Context, conv Conversation) error
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)

	// MarkProcessed flags unprocessed inbound messages created at or before upTo.
	MarkProcessed(ctx context.Context, key ConversationKey, upTo time.Time) (int64, error)
	MarkDelivered(ctx context.Context, key ConversationKey, mids []string, watermark time.Time) (int64, error)
	MarkRead(ctx context.Context, key ConversationKey, watermark time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// KVStore is the shared state abstraction behind rate limiting, duplicate
// suppression and caching. A zero ttl means the key never expires.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX sets key only if it is absent or expired and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Incr increments a counter, creating it with ttl when absent or expired.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining lifetime, or -1 when the key has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Delete(ctx context.Context, key string) error
	// Prune removes expired keys and returns how many were dropped.
	Prune(ctx context.Context) (int, error)
	Close() error
}

// Contact is what the CRM collaborator receives when user attributes change.
type Contact struct {
	Channel      Channel `json:"channel"`
	SenderID     string  `json:"sender_id"`
	Name         string  `json:"name,omitempty"`
	Email        string  `json:"email,omitempty"`
	BusinessType string  `json:"business_type,omitempty"`
}

// CRMSync pushes extracted contact data to the CRM.
type CRMSync interface {
	SyncContact(ctx context.Context, contact Contact) error
}

package conversation

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"inboxbot/internal/domain"
)

const lockStripes = 64

// Manager loads and saves conversation records. Callers serialise work on
// one conversation with Lock.
type Manager struct {
	store  domain.MessageStore
	logger *slog.Logger
	mu     sync.RWMutex
	stripe [lockStripes]sync.Mutex
}

func NewManager(store domain.MessageStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// Lock acquires the lock guarding key and returns its release func.
func (m *Manager) Lock(key domain.ConversationKey) func() {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	l := &m.stripe[h.Sum32()%lockStripes]
	l.Lock()
	return l.Unlock
}

// GetOrCreate returns the stored conversation for key, creating an
// INITIAL one on first contact.
func (m *Manager) GetOrCreate(ctx context.Context, key domain.ConversationKey) (*domain.Conversation, error) {
	m.mu.RLock()
	conv, err := m.store.GetConversation(ctx, key)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err = m.store.GetConversation(ctx, key)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	now := time.Now()
	conv = &domain.Conversation{
		Key:          key,
		State:        domain.StateInitial,
		LastActivity: now,
		CreatedAt:    now,
	}
	if err := m.store.UpsertConversation(ctx, *conv); err != nil {
		return nil, err
	}
	m.logger.Info("created new conversation", "channel", key.Channel, "sender", key.SenderID)
	return conv, nil
}

// Update describes one answered user turn.
type Update struct {
	UserText string
	Reply    string
	Intent   domain.Intent
	Info     domain.UserInfo // freshly extracted; merged without overwriting
	At       time.Time
}

// Apply advances conv by one turn and reports which attributes became
// known for the first time.
func Apply(conv domain.Conversation, u Update) (domain.Conversation, domain.UserInfo) {
	before := conv.Info
	conv.Info = conv.Info.Merge(u.Info)

	var learned domain.UserInfo
	if before.Name == "" {
		learned.Name = conv.Info.Name
	}
	if before.Email == "" {
		learned.Email = conv.Info.Email
	}
	if before.BusinessType == "" {
		learned.BusinessType = conv.Info.BusinessType
	}

	conv.State = Transition(conv.State, u.Intent, conv.Info)
	conv.MessageCount++
	if u.UserText != "" {
		conv.LastUserMessage = u.UserText
	}
	if u.Reply != "" {
		conv.LastReply = u.Reply
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	conv.LastActivity = u.At
	return conv, learned
}

// Save persists conv.
func (m *Manager) Save(ctx context.Context, conv domain.Conversation) error {
	if err := m.store.UpsertConversation(ctx, conv); err != nil {
		m.logger.Warn("failed to save conversation", "channel", conv.Key.Channel, "sender", conv.Key.SenderID, "err", err)
		return err
	}
	return nil
}

// Touch records activity without a reply, e.g. a referral or read receipt.
func (m *Manager) Touch(ctx context.Context, key domain.ConversationKey, at time.Time) error {
	conv, err := m.GetOrCreate(ctx, key)
	if err != nil {
		return err
	}
	conv.LastActivity = at
	return m.Save(ctx, *conv)
}

// Package bus fans pipeline activity out to in-process subscribers such as
// the live activity stream.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Activity types.
const (
	TypeEventProcessed = "event.processed"
	TypeReplySent      = "reply.sent"
	TypeEscalated      = "conversation.escalated"
)

const defaultMaxHistory = 1000

// Activity is one thing the pipeline did for a conversation.
type Activity struct {
	Type     string    `json:"type"`
	Channel  string    `json:"channel"`
	SenderID string    `json:"sender_id"`
	Kind     string    `json:"kind,omitempty"`
	Outcome  string    `json:"outcome,omitempty"`
	Intent   string    `json:"intent,omitempty"`
	Source   string    `json:"source,omitempty"` // reply source for reply.sent
	At       time.Time `json:"at"`
}

// Handler receives published activity. It runs on the publisher's
// goroutine and must not block.
type Handler func(Activity)

// Feed is a topic-based publish/subscribe hub with a bounded replay buffer.
// A nil *Feed accepts Publish calls and drops them.
type Feed struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	nextID     int
	history    []Activity
	maxHistory int
	logger     *slog.Logger
}

type namedHandler struct {
	id      string
	handler Handler
}

// NewFeed creates a feed keeping the last maxHistory activities.
func NewFeed(maxHistory int, logger *slog.Logger) *Feed {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		handlers:   make(map[string][]namedHandler),
		maxHistory: maxHistory,
		logger:     logger,
	}
}

// On registers a handler for activityType, or "*" for everything. The
// returned id is used with Off.
func (f *Feed) On(activityType string, h Handler) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := activityType + "-" + strconv.Itoa(f.nextID)
	f.handlers[activityType] = append(f.handlers[activityType], namedHandler{id: id, handler: h})
	return id
}

// Off removes a handler by id.
func (f *Feed) Off(activityType, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.handlers[activityType]
	for i, h := range hs {
		if h.id == id {
			f.handlers[activityType] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// Publish records a and calls matching handlers in registration order.
func (f *Feed) Publish(a Activity) {
	if f == nil {
		return
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}

	f.mu.Lock()
	if len(f.history) >= f.maxHistory {
		f.history = f.history[1:]
	}
	f.history = append(f.history, a)
	handlers := make([]namedHandler, 0, len(f.handlers[a.Type])+len(f.handlers["*"]))
	handlers = append(handlers, f.handlers[a.Type]...)
	handlers = append(handlers, f.handlers["*"]...)
	f.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("activity handler panic", "type", a.Type, "handler", nh.id, "panic", r)
				}
			}()
			nh.handler(a)
		}(h)
	}
}

// Replay returns recorded activity of activityType ("*" for all) at or
// after since.
func (f *Feed) Replay(activityType string, since time.Time) []Activity {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []Activity
	for _, a := range f.history {
		if a.At.Before(since) {
			continue
		}
		if activityType == "*" || a.Type == activityType {
			out = append(out, a)
		}
	}
	return out
}

// HistoryLen returns the number of buffered activities.
func (f *Feed) HistoryLen() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.history)
}

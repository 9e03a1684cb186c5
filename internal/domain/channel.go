package domain

import "context"

// SenderAction is a typing indicator or read marker shown to the user.
type SenderAction string

const (
	ActionMarkSeen  SenderAction = "mark_seen"
	ActionTypingOn  SenderAction = "typing_on"
	ActionTypingOff SenderAction = "typing_off"
)

// Transport performs a single send call against one chat platform.
type Transport interface {
	Channel() Channel
	// Send delivers msg and returns the platform message id.
	Send(ctx context.Context, msg OutboundMessage) (string, error)
	SenderAction(ctx context.Context, recipientID string, action SenderAction) error
}

// Package conversation tracks per-sender conversation state and turns
// bursts of stored messages into conversational turns.
package conversation

import "inboxbot/internal/domain"

// Transition returns the next lifecycle state after a user turn.
// Escalation is terminal.
func Transition(current domain.State, intent domain.Intent, info domain.UserInfo) domain.State {
	switch {
	case current == domain.StateEscalatedToHuman, intent == domain.IntentEscalateHuman:
		return domain.StateEscalatedToHuman
	case info.Name != "" && info.Email != "":
		return domain.StateDataCollected
	case current == domain.StateDataCollected:
		return domain.StateDataCollected
	default:
		return domain.StateInteracting
	}
}

package conversation

import (
	"strings"
	"time"
	"unicode"

	"inboxbot/internal/domain"
)

// Turn is a burst of consecutive inbound messages read as one utterance.
type Turn struct {
	Text     string
	Start    time.Time
	End      time.Time
	Messages int
	MIDs     []string
}

// Group splits messages (newest first, as the store returns them) into
// turns. Consecutive inbound messages closer than threshold are joined in
// reading order. Turns are returned oldest first.
func Group(messages []domain.Message, threshold time.Duration) []Turn {
	var (
		turns []Turn
		cur   *Turn
		prev  time.Time
	)
	for _, m := range messages {
		if m.Direction != domain.DirectionInbound {
			continue
		}
		text := strings.TrimSpace(m.Text)
		if cur != nil && prev.Sub(m.CreatedAt) < threshold {
			if text != "" {
				if cur.Text == "" {
					cur.Text = text
				} else {
					cur.Text = text + " " + cur.Text
				}
			}
			cur.Start = m.CreatedAt
			cur.Messages++
			if m.MID != "" {
				cur.MIDs = append([]string{m.MID}, cur.MIDs...)
			}
		} else {
			if cur != nil {
				turns = append(turns, *cur)
			}
			cur = &Turn{Text: text, Start: m.CreatedAt, End: m.CreatedAt, Messages: 1}
			if m.MID != "" {
				cur.MIDs = []string{m.MID}
			}
		}
		prev = m.CreatedAt
	}
	if cur != nil {
		turns = append(turns, *cur)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}

// Policy decides whether the latest turn is complete enough to answer.
type Policy string

const (
	// PolicyImmediate answers every turn as soon as it is seen.
	PolicyImmediate Policy = "immediate"
	// PolicyQuietPeriod waits until the user paused for the grouping
	// threshold, unless the turn already ends like a finished sentence.
	PolicyQuietPeriod Policy = "quiet-period"
)

func ParsePolicy(s string) (Policy, bool) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyImmediate:
		return PolicyImmediate, true
	case PolicyQuietPeriod:
		return PolicyQuietPeriod, true
	}
	return "", false
}

// ShouldRespond applies p to turn at time now.
func (p Policy) ShouldRespond(turn Turn, threshold time.Duration, now time.Time) bool {
	if p != PolicyQuietPeriod {
		return true
	}
	if now.Sub(turn.End) >= threshold {
		return true
	}
	return endsSentence(turn.Text)
}

func endsSentence(text string) bool {
	text = strings.TrimRightFunc(text, unicode.IsSpace)
	if text == "" {
		return false
	}
	switch r := []rune(text); r[len(r)-1] {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

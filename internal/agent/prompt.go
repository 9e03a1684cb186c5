package agent

import (
	"fmt"
	"strings"

	"inboxbot/internal/domain"
)

const defaultMinTurnsBeforeLeadAsk = 3

// PromptBuilder assembles the messages sent to the generation backend.
type PromptBuilder struct {
	brand    string
	minTurns int
	extra    string
}

// PromptConfig holds configuration for the prompt builder.
type PromptConfig struct {
	Brand                 string
	MinTurnsBeforeLeadAsk int
	Extra                 string // custom text appended to the system prompt
}

func NewPromptBuilder(cfg PromptConfig) *PromptBuilder {
	if cfg.Brand == "" {
		cfg.Brand = "our team"
	}
	if cfg.MinTurnsBeforeLeadAsk <= 0 {
		cfg.MinTurnsBeforeLeadAsk = defaultMinTurnsBeforeLeadAsk
	}
	return &PromptBuilder{
		brand:    cfg.Brand,
		minTurns: cfg.MinTurnsBeforeLeadAsk,
		extra:    cfg.Extra,
	}
}

// ShouldAskForContact reports whether the reply may ask for name and email.
func (p *PromptBuilder) ShouldAskForContact(intent domain.Intent, messageCount int, known domain.UserInfo) bool {
	if intent != domain.IntentCommercialInterest {
		return false
	}
	if messageCount < p.minTurns {
		return false
	}
	return known.Name == "" || known.Email == ""
}

// BuildSystemPrompt renders persona, known attributes and directives.
func (p *PromptBuilder) BuildSystemPrompt(intent domain.Intent, messageCount int, known domain.UserInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `You are the virtual assistant of %s, answering customers on a chat app.

## Style
1. Reply in the same language the user writes in.
2. Keep it short: two or three sentences, no markdown, no lists.
3. Be warm and concrete. Never invent prices, dates or guarantees.
4. If you do not know something, offer to connect the user with the team.
`, p.brand)

	sb.WriteString("\n## Known about the user\n")
	if known.IsZero() {
		sb.WriteString("- nothing yet\n")
	} else {
		if known.Name != "" {
			fmt.Fprintf(&sb, "- name: %s\n", known.Name)
		}
		if known.Email != "" {
			fmt.Fprintf(&sb, "- email: %s\n", known.Email)
		}
		if known.BusinessType != "" {
			fmt.Fprintf(&sb, "- business: %s\n", known.BusinessType)
		}
	}

	fmt.Fprintf(&sb, "\n## Detected intent\n%s\n", intent)

	sb.WriteString("\n## Contact data\n")
	if p.ShouldAskForContact(intent, messageCount, known) {
		var missing []string
		if known.Name == "" {
			missing = append(missing, "name")
		}
		if known.Email == "" {
			missing = append(missing, "email")
		}
		fmt.Fprintf(&sb, "Politely ask for the user's %s so the team can send a proposal.\n", strings.Join(missing, " and "))
	} else {
		sb.WriteString("Do NOT ask the user for their name, email or any other contact data.\n")
	}

	if p.extra != "" {
		sb.WriteString("\n## Custom Instructions\n")
		sb.WriteString(p.extra)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Build constructs [system, transcript context, user turn] for one call.
func (p *PromptBuilder) Build(req Request) []domain.ChatMessage {
	msgs := []domain.ChatMessage{
		{Role: "system", Content: p.BuildSystemPrompt(req.Intent, req.MessageCount, req.Known)},
	}
	if t := strings.TrimSpace(req.Transcript); t != "" {
		msgs = append(msgs, domain.ChatMessage{
			Role:    "system",
			Content: "Conversation so far:\n" + t,
		})
	}
	msgs = append(msgs, domain.ChatMessage{Role: "user", Content: req.Text})
	return msgs
}

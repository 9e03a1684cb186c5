package intent

import (
	"testing"

	"inboxbot/internal/domain"
)

func TestClassify(t *testing.T) {
	c := New()
	tests := []struct {
		text string
		want domain.Intent
	}{
		{"¿Cuánto cuesta una página web?", domain.IntentCommercialInterest},
		{"what's the price?", domain.IntentCommercialInterest},
		{"How much would it cost", domain.IntentCommercialInterest},
		{"Los costos son altos?", domain.IntentCommercialInterest},
		{"Hola!", domain.IntentGreeting},
		{"hi", domain.IntentGreeting},
		{"Hola, cuánto cuesta?", domain.IntentGreeting},
		{"what's your phone number", domain.IntentContactInfoRequest},
		{"quiero agendar una reunión", domain.IntentConsultationRequest},
		{"how long does it take?", domain.IntentTimelineQuestion},
		{"do you have a portfolio", domain.IntentReviewRequest},
		{"my site is not working", domain.IntentTechnicalSupport},
		{"I want a refund", domain.IntentComplaint},
		{"quiero hablar con una persona", domain.IntentEscalateHuman},
		{"me llamo Ana", domain.IntentPersonalInfoShare},
		{"ana@example.com", domain.IntentPersonalInfoShare},
		{"thanks, bye", domain.IntentFarewell},
		{"something unrelated", domain.IntentGenericInquiry},
		{"", domain.IntentGenericInquiry},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := c.Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

// Keywords match where a word starts, not at any substring, so a keyword
// buried inside a longer word does not fire.
func TestClassify_WordPrefixOnly(t *testing.T) {
	c := New()
	if got := c.Classify("y los precios?"); got != domain.IntentCommercialInterest {
		t.Errorf("precios -> %s, want the precio keyword to match as a prefix", got)
	}
	// "hire" must not trigger the "hi " greeting; "they" must not trigger "hey".
	if got := c.Classify("they said something"); got != domain.IntentGenericInquiry {
		t.Errorf("they -> %s", got)
	}
	if got := c.Classify("I want to hire you"); got != domain.IntentCommercialInterest {
		t.Errorf("hire -> %s", got)
	}
}

func TestRulesFollowPriorityOrder(t *testing.T) {
	rules := New().Rules()
	order := domain.KnownIntents[:len(domain.KnownIntents)-1] // generic is the implicit fallback
	if len(rules) != len(order) {
		t.Fatalf("expected %d rules, got %d", len(order), len(rules))
	}
	for i, r := range rules {
		if r.Intent != order[i] {
			t.Errorf("rule %d = %s, want %s", i, r.Intent, order[i])
		}
	}
}

func TestParse_Errors(t *testing.T) {
	if _, err := Parse([]byte("- intent: dancing\n  keywords: [salsa]\n")); err == nil {
		t.Error("unknown intent accepted")
	}
	if _, err := Parse([]byte("- intent: greeting\n")); err == nil {
		t.Error("rule without keywords accepted")
	}
	if _, err := Parse([]byte("not: [valid")); err == nil {
		t.Error("invalid yaml accepted")
	}
}

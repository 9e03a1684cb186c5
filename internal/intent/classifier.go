// Package intent maps user text to an intent label with ordered keyword
// rules. The first rule with a matching keyword wins.
package intent

import (
	_ "embed"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"inboxbot/internal/domain"
)

//go:embed intents.yaml
var defaultRules []byte

// Rule maps keyword substrings to an intent.
type Rule struct {
	Intent   domain.Intent `yaml:"intent"`
	Keywords []string      `yaml:"keywords"`
}

// Classifier evaluates rules in order.
type Classifier struct {
	rules []Rule
}

// New returns a classifier over the built-in rule table.
func New() *Classifier {
	c, err := Parse(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("intent: embedded rules invalid: %v", err))
	}
	return c
}

// Parse builds a classifier from a YAML rule list.
func Parse(data []byte) (*Classifier, error) {
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse intent rules: %w", err)
	}
	for i, r := range rules {
		if !r.Intent.Valid() {
			return nil, fmt.Errorf("rule %d: unknown intent %q", i, r.Intent)
		}
		if len(r.Keywords) == 0 {
			return nil, fmt.Errorf("rule %d (%s): no keywords", i, r.Intent)
		}
		for j, k := range r.Keywords {
			rules[i].Keywords[j] = strings.ToLower(k)
		}
	}
	return &Classifier{rules: rules}, nil
}

// Classify returns the intent of text, or generic_inquiry when nothing matches.
func (c *Classifier) Classify(text string) domain.Intent {
	norm := normalize(text)
	for _, r := range c.rules {
		for _, k := range r.Keywords {
			if matchWordPrefix(norm, k) {
				return r.Intent
			}
		}
	}
	return domain.IntentGenericInquiry
}

// normalize lowercases text, turns punctuation other than '@' and
// apostrophes into spaces and pads both ends with a space.
func normalize(text string) string {
	var sb strings.Builder
	sb.WriteByte(' ')
	for _, r := range strings.ToLower(text) {
		switch {
		case r == '@', r == '\'', r == '’':
			sb.WriteRune(r)
		case unicode.IsPunct(r), unicode.IsSymbol(r), unicode.IsSpace(r):
			sb.WriteByte(' ')
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte(' ')
	return sb.String()
}

// matchWordPrefix reports whether kw occurs in text starting at a word
// boundary. Keywords that begin with a non-letter match anywhere.
func matchWordPrefix(text, kw string) bool {
	first, _ := utf8.DecodeRuneInString(kw)
	anywhere := !unicode.IsLetter(first) && !unicode.IsDigit(first)
	for off := 0; ; {
		i := strings.Index(text[off:], kw)
		if i < 0 {
			return false
		}
		i += off
		if anywhere || i == 0 {
			return true
		}
		prev, _ := utf8.DecodeLastRuneInString(text[:i])
		if !unicode.IsLetter(prev) && !unicode.IsDigit(prev) {
			return true
		}
		off = i + 1
	}
}

// Rules returns the rule table in evaluation order.
func (c *Classifier) Rules() []Rule {
	return c.rules
}

package agent

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"inboxbot/internal/domain"
)

//go:embed fallback.yaml
var defaultFallback []byte

// Lang is a reply language code.
type Lang string

const (
	LangES Lang = "es"
	LangEN Lang = "en"
)

type localized struct {
	ES string `yaml:"es"`
	EN string `yaml:"en"`
}

func (l localized) pick(lang Lang) string {
	if lang == LangES && l.ES != "" {
		return l.ES
	}
	if l.EN != "" {
		return l.EN
	}
	return l.ES
}

type keywordReply struct {
	Match []string `yaml:"match"`
	ES    string   `yaml:"es"`
	EN    string   `yaml:"en"`
}

func (k keywordReply) pick(lang Lang) string {
	return localized{ES: k.ES, EN: k.EN}.pick(lang)
}

// FallbackTable produces canned replies by intent, then keyword, then a
// generic message. It never returns an empty string.
type FallbackTable struct {
	Intents  map[domain.Intent]localized `yaml:"intents"`
	Keywords []keywordReply              `yaml:"keywords"`
	Generic  localized                   `yaml:"generic"`

	brand       string
	defaultLang Lang
}

// LoadFallback parses a fallback table; nil data loads the built-in one.
func LoadFallback(data []byte, brand string, defaultLang Lang) (*FallbackTable, error) {
	if data == nil {
		data = defaultFallback
	}
	var t FallbackTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse fallback table: %w", err)
	}
	if t.Generic.ES == "" && t.Generic.EN == "" {
		return nil, fmt.Errorf("fallback table: generic reply is required")
	}
	for i := range t.Keywords {
		for j, m := range t.Keywords[i].Match {
			t.Keywords[i].Match[j] = strings.ToLower(m)
		}
	}
	if brand == "" {
		brand = "our team"
	}
	if defaultLang != LangES {
		defaultLang = LangEN
	}
	t.brand = brand
	t.defaultLang = defaultLang
	return &t, nil
}

// Reply returns the canned reply for a user turn.
func (t *FallbackTable) Reply(text string, intent domain.Intent, info domain.UserInfo) string {
	lang := DetectLanguage(text, t.defaultLang)
	tmpl := ""
	if l, ok := t.Intents[intent]; ok && intent != domain.IntentGenericInquiry {
		tmpl = l.pick(lang)
	}
	if tmpl == "" {
		lower := strings.ToLower(text)
	outer:
		for _, k := range t.Keywords {
			for _, m := range k.Match {
				if strings.Contains(lower, m) {
					tmpl = k.pick(lang)
					break outer
				}
			}
		}
	}
	if tmpl == "" {
		tmpl = t.Generic.pick(lang)
	}
	return t.render(tmpl, info)
}

func (t *FallbackTable) render(tmpl string, info domain.UserInfo) string {
	name := ""
	if info.Name != "" {
		name = " " + firstName(info.Name)
	}
	return strings.NewReplacer("{name}", name, "{brand}", t.brand).Replace(tmpl)
}

func firstName(full string) string {
	if f := strings.Fields(full); len(f) > 0 {
		return f[0]
	}
	return full
}

var (
	spanishMarkers = []string{
		"hola", "quiero", "necesito", "precio", "cuánto", "cuanto", "gracias", "por favor",
		"tengo", "para", "que", "una", "los", "las", "el", "es", "mi", "busco", "buenas", "sí",
	}
	englishMarkers = []string{
		"hello", "hi", "want", "need", "price", "how", "thanks", "thank", "please",
		"have", "for", "what", "the", "is", "my", "looking", "you", "yes",
	}
)

// DetectLanguage guesses Spanish or English from marker words; ties go to def.
func DetectLanguage(text string, def Lang) Lang {
	lower := strings.ToLower(text)
	if strings.ContainsAny(lower, "¿¡ñ") {
		return LangES
	}
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !strings.ContainsRune("áéíóúü", r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	es, en := 0, 0
	for _, m := range spanishMarkers {
		if set[m] || (strings.Contains(m, " ") && strings.Contains(lower, m)) {
			es++
		}
	}
	for _, m := range englishMarkers {
		if set[m] {
			en++
		}
	}
	switch {
	case es > en:
		return LangES
	case en > es:
		return LangEN
	}
	return def
}

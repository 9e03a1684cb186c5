package conversation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"inboxbot/internal/domain"
)

var (
	// "my name is X" style phrases are explicit enough to accept lowercase names.
	explicitNameRe = regexp.MustCompile(`(?i)\b(?:my name is|me llamo|mi nombre es)\s+(\p{L}[\p{L}'-]*)(?:\s+(\p{L}[\p{L}'-]*))?`)
	// "soy X" / "I'm X" only count when X is capitalised.
	casualNameRe = regexp.MustCompile(`(?i)\b(?:soy|i'm|i am)\s+(\p{L}[\p{L}'-]*)(?:\s+(\p{L}[\p{L}'-]*))?`)
	emailRe      = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	businessRe   = regexp.MustCompile(`(?i)\b(?:i have an?|i own an?|i run an?|my business is an?|tengo una?|mi negocio es una?)\s+(\p{L}+(?:\s+\p{L}+){0,2})`)
)

var nameStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "not": true, "so": true, "very": true, "here": true,
	"interested": true, "looking": true, "from": true, "just": true, "good": true, "fine": true,
	"sorry": true, "trying": true, "new": true, "ok": true, "okay": true, "and": true,
	"de": true, "un": true, "una": true, "el": true, "la": true, "muy": true, "bien": true,
	"interesado": true, "interesada": true, "nuevo": true, "nueva": true, "y": true,
	"cliente": true, "dueño": true, "dueña": true,
}

var businessStopwords = map[string]bool{
	"and": true, "in": true, "that": true, "with": true, "but": true, "for": true,
	"y": true, "en": true, "que": true, "con": true, "pero": true, "para": true,
}

var businessRejects = map[string]bool{
	"question": true, "problem": true, "doubt": true, "issue": true, "idea": true,
	"pregunta": true, "duda": true, "problema": true, "consulta": true,
}

// Extract pulls a name, email and business type out of free text. Later
// mentions win over earlier ones. Missing attributes are left empty.
func Extract(text string) domain.UserInfo {
	var info domain.UserInfo

	if m := emailRe.FindAllString(text, -1); len(m) > 0 {
		info.Email = strings.ToLower(m[len(m)-1])
	}

	// Drop emails so their local part is never read as a name.
	scrubbed := emailRe.ReplaceAllString(text, " ")
	info.Name = lastName(explicitNameRe, scrubbed, false)
	if info.Name == "" {
		info.Name = lastName(casualNameRe, scrubbed, true)
	}

	for _, m := range businessRe.FindAllStringSubmatch(scrubbed, -1) {
		if b := businessType(m[1]); b != "" {
			info.BusinessType = b
		}
	}
	return info
}

func lastName(re *regexp.Regexp, text string, requireCapital bool) string {
	name := ""
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		first := m[1]
		if !nameWord(first, requireCapital) {
			continue
		}
		n := capitalize(first)
		if m[2] != "" && nameWord(m[2], true) {
			n += " " + capitalize(m[2])
		}
		name = n
	}
	return name
}

func nameWord(w string, requireCapital bool) bool {
	if utf8.RuneCountInString(w) < 2 || nameStopwords[strings.ToLower(w)] {
		return false
	}
	if requireCapital {
		r, _ := utf8.DecodeRuneInString(w)
		return unicode.IsUpper(r)
	}
	return true
}

func capitalize(w string) string {
	r, size := utf8.DecodeRuneInString(w)
	return string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
}

func businessType(phrase string) string {
	var kept []string
	for _, w := range strings.Fields(phrase) {
		if businessStopwords[strings.ToLower(w)] {
			break
		}
		kept = append(kept, strings.ToLower(w))
	}
	if len(kept) == 0 || businessRejects[kept[len(kept)-1]] {
		return ""
	}
	return strings.Join(kept, " ")
}

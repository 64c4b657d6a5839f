// Package parsers recognises control intents in user messages and tool results.
package parsers

import (
	"regexp"
	"strings"
	"unicode"
)

// defaultHumanPatterns match explicit requests to leave the bot. They are
// deliberately narrow: a false positive skips the agent graph entirely.
var defaultHumanPatterns = []string{
	`\b(talk|speak|chat)\s+(to|with)\s+(a|an|some)?\s*(real\s+)?(human|person|agent|representative|operator|someone)\b`,
	`\breal\s+(person|human)\b`,
	`\b(live|human)\s+(agent|support|operator|representative)\b`,
	`\b(you('re| are)\s+)?not\s+an?\s+(ai|bot|robot)\b`,
	`\b(are\s+you|is\s+this)\s+a\s+(bot|robot)\b`,
	`\bconnect\s+me\s+(to|with)\s+(a|an)?\s*(human|person|agent)\b`,
	`\bi\s+(want|need)\s+(a|an)\s+(human|person)\b`,
}

// HumanRequestMatcher detects explicit requests for a human.
type HumanRequestMatcher struct {
	patterns []*regexp.Regexp
}

// NewHumanRequestMatcher compiles extra patterns on top of the defaults.
func NewHumanRequestMatcher(extra ...string) (*HumanRequestMatcher, error) {
	m := &HumanRequestMatcher{}
	for _, p := range append(append([]string(nil), defaultHumanPatterns...), extra...) {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// MustHumanRequestMatcher panics on invalid patterns; for package-level defaults.
func MustHumanRequestMatcher(extra ...string) *HumanRequestMatcher {
	m, err := NewHumanRequestMatcher(extra...)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether the message explicitly asks for a human and returns the matched phrase.
func (m *HumanRequestMatcher) Match(message string) (string, bool) {
	norm := normalize(message)
	if norm == "" {
		return "", false
	}
	for _, re := range m.patterns {
		if loc := re.FindString(norm); loc != "" {
			return strings.TrimSpace(loc), true
		}
	}
	return "", false
}

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			b.WriteRune(r)
			space = false
		case r == '’':
			b.WriteRune('\'')
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

package core

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// TitlePlaceholder is used when nothing usable can be derived from the
// exchange.
const TitlePlaceholder = "Hội thoại mới"

const titleMaxLen = 60

var (
	markupRe     = regexp.MustCompile("[*_`#]+")
	lineBreakRe  = regexp.MustCompile(`[\r\n\t]+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Titler derives a short conversation title from the first exchange with a
// cheap generation call. It never fails: any generation problem falls back
// to the leading words of the user's question, and the sanitizer guarantees
// a non-empty result.
type Titler struct {
	generate generateFunc // flash tier, may be nil
}

func NewTitler(generate generateFunc) *Titler {
	return &Titler{generate: generate}
}

func (t *Titler) Title(ctx context.Context, userText, assistantText string) string {
	fallback := leadingWords(userText, assistantText)
	if t.generate == nil {
		return sanitizeTitle(fallback)
	}

	prompt := fmt.Sprintf("%s\nNgười dùng: %s\nTrợ lý: %s", titleSystemPrompt, userText, assistantText)
	raw, err := t.generate(ctx, prompt, 24)
	if err != nil || strings.TrimSpace(raw) == "" {
		return sanitizeTitle(fallback)
	}
	return sanitizeTitle(raw)
}

// FallbackTitle derives a title from the exchange text alone, without a
// generation call.
func (t *Titler) FallbackTitle(userText, assistantText string) string {
	return sanitizeTitle(leadingWords(userText, assistantText))
}

func leadingWords(userText, assistantText string) string {
	base := strings.TrimSpace(userText)
	if base == "" {
		base = strings.TrimSpace(assistantText)
	}
	words := strings.Fields(base)
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}

// sanitizeTitle strips markup and control characters, collapses whitespace,
// drops repeated tokens and truncates to 60 characters. Empty results map to
// the placeholder.
func sanitizeTitle(s string) string {
	s = strings.Trim(s, "\"'\n\r\t .")
	s = lineBreakRe.ReplaceAllString(s, " ")
	s = markupRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	seen := make(map[string]bool)
	var dedup []string
	for _, tok := range strings.Fields(s) {
		k := strings.ToLower(tok)
		if seen[k] {
			continue
		}
		seen[k] = true
		dedup = append(dedup, tok)
	}
	s = strings.Join(dedup, " ")

	if runes := []rune(s); len(runes) > titleMaxLen {
		s = strings.TrimSpace(string(runes[:titleMaxLen]))
	}
	if s == "" {
		return TitlePlaceholder
	}
	return s
}

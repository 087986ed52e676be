package search

import (
	"strings"
	"unicode"
)

// Snippet renders message text as a single-line excerpt of at most maxRunes
// runes, for search results and notification previews.
//
// Notes:
//   - Whitespace runs (including newlines) collapse to a single space.
//   - Truncation happens on a rune boundary, preferring the last word
//     boundary in the kept prefix, and appends an ellipsis.
//   - maxRunes <= 0 falls back to 160.
func Snippet(text string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = 160
	}
	t := strings.TrimSpace(normalizeWhitespace(text))
	if t == "" {
		return ""
	}

	runes := []rune(t)
	if len(runes) <= maxRunes {
		return t
	}

	cut := maxRunes
	for i := maxRunes - 1; i > maxRunes/2; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRight(string(runes[:cut]), " ") + "…"
}

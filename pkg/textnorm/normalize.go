// Package textnorm normalizes free text for embedding and cache keying.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize performs Unicode NFKC normalization, strips control characters
// (keeping newlines and tabs), and trims surrounding whitespace.
func Normalize(text string) string {
	normed := norm.NFKC.String(text)
	normed = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, normed)
	return strings.TrimSpace(normed)
}

// CacheKey normalizes text for use in a cache key: Normalize, then casefold
// and collapse all whitespace runs to a single space. Trivially different
// inputs ("Stage III\n" vs "stage iii") map to the same key.
func CacheKey(text string) string {
	folded := strings.ToLower(Normalize(text))
	return strings.Join(strings.Fields(folded), " ")
}

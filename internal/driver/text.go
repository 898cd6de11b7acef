package driver

import (
	"strings"
	"unicode"
)

// NormalizeText collapses every run of Unicode whitespace to a single space
// and trims both ends. All text and accessible-name matching goes through it.
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ContainsFold reports whether the normalized haystack contains the
// normalized needle, ignoring case.
func ContainsFold(haystack, needle string) bool {
	return strings.Contains(
		strings.ToLower(NormalizeText(haystack)),
		strings.ToLower(NormalizeText(needle)),
	)
}

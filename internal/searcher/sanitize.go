package searcher

import (
	"strings"
	"unicode"
)

// allowedPunct is the punctuation kept in queries. Everything else outside
// letters, digits and spaces is dropped.
const allowedPunct = ".,;:!?'\"-_()/&%+#@"

// SanitizeQuery strips characters outside the printable-text allowlist,
// collapses whitespace and trims the result. Length is checked by the caller.
func SanitizeQuery(q string) string {
	var b strings.Builder
	b.Grow(len(q))

	space := false
	for _, r := range q {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsMark(r):
		case strings.ContainsRune(allowedPunct, r):
		default:
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

// truncateRunes returns at most n runes of s
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

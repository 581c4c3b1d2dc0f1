package console

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sanitize makes server-supplied text safe to print on one console line:
// control characters (including newlines and escape sequences) become
// spaces, and emoji modifiers that break column alignment are dropped.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == utf8.RuneError && size == 1:
			b.WriteRune(utf8.RuneError)
		case unicode.IsControl(r):
			b.WriteByte(' ')
		case isModifierRune(r):
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isModifierRune(r rune) bool {
	switch {
	// Skin tone modifiers.
	case r >= 0x1F3FB && r <= 0x1F3FF:
		return true
	// Zero Width Joiner.
	case r == 0x200D:
		return true
	// Variation Selectors.
	case r >= 0xFE00 && r <= 0xFE0F:
		return true
	case r >= 0xE0100 && r <= 0xE01EF:
		return true
	default:
		return false
	}
}

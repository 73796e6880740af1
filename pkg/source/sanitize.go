package source

import (
	"strings"
	"unicode"
)

// SanitizeTitle turns a source title into a filesystem-safe path component.
// Surrounding whitespace is trimmed, then every character outside [A-Za-z0-9]
// becomes '_'. Characters outside the Basic Multilingual Plane count as two
// characters, so an emoji becomes "__"; paths produced by earlier runs depend on this.
func SanitizeTitle(title string) string {
	title = strings.TrimFunc(title, isTrimSpace)

	var b strings.Builder
	b.Grow(len(title))
	for _, r := range title {
		switch {
		case r <= unicode.MaxASCII && isAlnum(byte(r)):
			b.WriteRune(r)
		case r > 0xFFFF:
			b.WriteString("__")
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isAlnum(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9'
}

func isTrimSpace(r rune) bool {
	return unicode.IsSpace(r) || r == '\uFEFF'
}

package sshmanager

import (
	"fmt"
	"strings"
)

// ShellQuote wraps s in single quotes for a POSIX shell. Embedded single
// quotes become '\''.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ShellUnquote reverses ShellQuote. It accepts any concatenation of
// single-quoted runs and backslash-escaped characters.
func ShellUnquote(s string) (string, error) {
	var b strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote:
			if c == '\'' {
				inQuote = false
				continue
			}
			b.WriteByte(c)
		case c == '\'':
			inQuote = true
		case c == '\\':
			if i+1 >= len(s) {
				return "", fmt.Errorf("unquote: trailing backslash")
			}
			i++
			b.WriteByte(s[i])
		default:
			b.WriteByte(c)
		}
	}
	if inQuote {
		return "", fmt.Errorf("unquote: unterminated single quote")
	}
	return b.String(), nil
}

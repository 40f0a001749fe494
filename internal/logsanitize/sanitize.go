// Package logsanitize provides helpers for making untrusted values and
// credentials safe to place in structured log fields.
package logsanitize

import (
	"strings"
	"unicode/utf8"
)

// Sanitize removes control characters from log field values to reduce
// the risk of log injection (CWE-117).
//
// Stripped ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)
}

// Token masks a bearer or refresh token so only its last four characters
// remain visible. Short tokens are masked entirely.
func Token(tok string) string {
	if tok == "" {
		return ""
	}
	runes := []rune(tok)
	if len(runes) <= 8 {
		return "****"
	}
	return "****" + Sanitize(string(runes[len(runes)-4:]))
}

// Email keeps the first character of the local part and the domain.
func Email(addr string) string {
	addr = Sanitize(strings.TrimSpace(addr))
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 {
		return "****"
	}
	first, _ := utf8.DecodeRuneInString(addr)
	return string(first) + "***" + addr[at:]
}

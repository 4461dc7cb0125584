package util

import (
	"html"
	"strings"
	"unicode"
)

const maxLoggedFieldLen = 128

// SanitizeInput escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// SanitizeLogField prepares a caller-supplied identifier (user id, session id)
// for a log line: control characters stripped, escaped, length capped.
func SanitizeLogField(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = SanitizeInput(s)
	if len(s) > maxLoggedFieldLen {
		s = s[:maxLoggedFieldLen] + "..."
	}
	return s
}

// ContainsSuspicious reports markup or template fragments in an identifier.
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	lower := strings.ToLower(s)
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

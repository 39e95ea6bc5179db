package util

import (
	"html"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious flags values that look like markup or template injection.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// MaskTarget hides most of an email local part or phone number.
//
//	"alice@example.com" -> "a****@example.com"
//	"+919876543210"     -> "*********3210"
func MaskTarget(s string) string {
	if at := strings.LastIndex(s, "@"); at > 0 {
		local := s[:at]
		return local[:1] + strings.Repeat("*", len(local)-1) + s[at:]
	}
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

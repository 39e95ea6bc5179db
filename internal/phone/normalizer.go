// Package phone canonicalizes and validates mobile numbers so that OTP
// records keyed by phone target are looked up deterministically.
package phone

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultCountryCode    = "91"
	DefaultMobilePrefixes = "6789"
	subscriberDigits      = 10
)

// Normalizer holds the locale rules for one country code.
type Normalizer struct {
	countryCode string
	prefix      string // "+" + countryCode
	mobile      *regexp.Regexp
}

// NewNormalizer builds a normalizer for the given country code digits and
// the set of digits a mobile subscriber number may start with.
func NewNormalizer(countryCode, mobilePrefixes string) (*Normalizer, error) {
	countryCode = strings.TrimPrefix(strings.TrimSpace(countryCode), "+")
	if countryCode == "" || !allDigits(countryCode) {
		return nil, fmt.Errorf("invalid country code %q", countryCode)
	}
	if mobilePrefixes == "" || !allDigits(mobilePrefixes) {
		return nil, fmt.Errorf("invalid mobile prefixes %q", mobilePrefixes)
	}

	pattern := fmt.Sprintf(`^\+%s[%s][0-9]{%d}$`, countryCode, mobilePrefixes, subscriberDigits-1)
	return &Normalizer{
		countryCode: countryCode,
		prefix:      "+" + countryCode,
		mobile:      regexp.MustCompile(pattern),
	}, nil
}

// Default returns the Indian (+91, 6-9 leading digit) normalizer.
func Default() *Normalizer {
	n, _ := NewNormalizer(DefaultCountryCode, DefaultMobilePrefixes)
	return n
}

// CountryCode returns the configured country code digits.
func (n *Normalizer) CountryCode() string { return n.countryCode }

// Normalize returns the canonical "+<cc><number>" spelling of raw. It never
// fails; malformed input produces a canonical string that IsValidMobile
// rejects.
func (n *Normalizer) Normalize(raw string) string {
	s := strip(raw)

	switch {
	case strings.HasPrefix(s, "+"):
		return s
	case strings.HasPrefix(s, n.countryCode) && len(s) == len(n.countryCode)+subscriberDigits:
		return "+" + s
	case strings.HasPrefix(s, "0"):
		return n.prefix + s[1:]
	default:
		return n.prefix + s
	}
}

// IsValidMobile reports whether raw normalizes to a mobile number of this locale.
func (n *Normalizer) IsValidMobile(raw string) bool {
	return n.mobile.MatchString(n.Normalize(raw))
}

// FormatForDisplay masks a canonical number for UI and logs, keeping the
// country code, the first two subscriber digits and the last digit:
// "+919876543210" -> "+91 98*******0".
func (n *Normalizer) FormatForDisplay(canonical string) string {
	canonical = n.Normalize(canonical)
	if !strings.HasPrefix(canonical, n.prefix) {
		return maskAll(canonical)
	}

	local := canonical[len(n.prefix):]
	if len(local) <= 3 {
		return n.prefix + " " + strings.Repeat("*", len(local))
	}
	return n.prefix + " " + local[:2] + strings.Repeat("*", len(local)-3) + local[len(local)-1:]
}

func strip(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch r {
		case ' ', '\t', '\n', '\r', '-', '(', ')':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func maskAll(s string) string {
	if len(s) <= 1 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-1) + s[len(s)-1:]
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

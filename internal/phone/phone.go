// Package phone normalizes destination numbers to E.164.
package phone

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidNumber = errors.New("invalid phone number")

// Formatter turns a raw destination into an E.164 string.
type Formatter interface {
	Format(raw string) (string, error)
}

// FormatterFunc adapts a function to Formatter.
type FormatterFunc func(raw string) (string, error)

func (f FormatterFunc) Format(raw string) (string, error) { return f(raw) }

// E164 normalizes numbers for a single default country.
//
//	"91234567"      -> "+6591234567"
//	"6591234567"    -> "+6591234567"
//	"+65 9123-4567" -> "+6591234567"
//	"65123456"      -> "+6565123456" (local number that starts with 65)
type E164 struct {
	// CountryCode is the calling code without "+", e.g. "65".
	CountryCode string
	// LocalLength is the national number length. Numbers no longer than it
	// always get CountryCode prepended; 0 falls back to the prefix check.
	LocalLength int
}

var localLengths = map[string]int{
	"1":   10,
	"65":  8,
	"852": 8,
}

func NewE164(countryCode string) E164 {
	cc := strings.TrimPrefix(strings.TrimSpace(countryCode), "+")
	return E164{CountryCode: cc, LocalLength: localLengths[cc]}
}

func (e E164) Format(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNumber)
	}
	plus := strings.HasPrefix(s, "+")

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
		}
	}
	digits := b.String()

	if !plus && e.CountryCode != "" && e.needsCountryCode(digits) {
		digits = e.CountryCode + digits
	}
	// E.164 allows at most 15 digits; anything under 8 cannot be a full number.
	if len(digits) < 8 || len(digits) > 15 {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}
	return "+" + digits, nil
}

func (e E164) needsCountryCode(digits string) bool {
	if e.LocalLength > 0 && len(digits) <= e.LocalLength {
		return true
	}
	return !strings.HasPrefix(digits, e.CountryCode)
}

// WhatsApp prefixes an E.164 number with the "whatsapp:" scheme.
func WhatsApp(e164 string) string {
	if strings.HasPrefix(e164, "whatsapp:") {
		return e164
	}
	return "whatsapp:" + e164
}

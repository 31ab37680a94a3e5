// Package phone canonicalizes recipient identifiers before they are used as
// conversation keys, delivery-log recipients or provider destinations.
package phone

import (
	"strings"
)

// Kind is the type of recipient identifier.
type Kind string

const (
	KindPhone Kind = "phone"
	KindEmail Kind = "email"
)

// Normalizer rewrites raw phone numbers into the canonical "+<country><subscriber>"
// form. It never fails: malformed input yields the best-effort canonical form, and
// input without any digit yields "".
type Normalizer struct {
	// CountryCode is prepended to national numbers (leading trunk 0 or a bare
	// subscriber number of NationalLength digits).
	CountryCode string

	// NationalLength is the digit count of a subscriber number written without
	// trunk prefix or country code. Zero disables the rule.
	NationalLength int
}

// Default is the normalizer used by the package-level helpers.
var Default = Normalizer{CountryCode: "255", NationalLength: 9}

// New returns a Normalizer for the given country code. An empty code falls back
// to the default.
func New(countryCode string) Normalizer {
	cc := strings.TrimLeft(DigitsOnly(countryCode), "0")
	if cc == "" {
		return Default
	}
	return Normalizer{CountryCode: cc, NationalLength: Default.NationalLength}
}

// Normalize returns the canonical form of raw.
//
// Normalize(Normalize(x)) == Normalize(x) holds for every input because the
// output always carries the leading '+', which routes it through the
// international branch where nothing but leading zeros is removed.
func (n Normalizer) Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	international := strings.HasPrefix(raw, "+")
	digits := DigitsOnly(raw)
	if digits == "" {
		return ""
	}

	switch {
	case international || strings.HasPrefix(digits, "00"):
		digits = strings.TrimLeft(digits, "0")
	case strings.HasPrefix(digits, "0"):
		digits = strings.TrimLeft(digits, "0")
		if digits == "" {
			return ""
		}
		digits = n.CountryCode + digits
	case n.NationalLength > 0 && len(digits) == n.NationalLength:
		digits = n.CountryCode + digits
	}

	if digits == "" {
		return ""
	}
	return "+" + digits
}

// NormalizeRecipient normalizes raw according to its kind.
func (n Normalizer) NormalizeRecipient(kind Kind, raw string) string {
	if kind == KindEmail {
		return NormalizeEmail(raw)
	}
	return n.Normalize(raw)
}

// Normalize canonicalizes raw with the default normalizer.
func Normalize(raw string) string {
	return Default.Normalize(raw)
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Digits strips the leading '+' from a canonical number. WhatsApp and most
// HTTP SMS gateways address recipients this way.
func Digits(canonical string) string {
	return strings.TrimPrefix(canonical, "+")
}

// IsPlausible reports whether a canonical number has a length an E.164 number
// can have. It is advisory; Normalize itself never rejects input.
func IsPlausible(canonical string) bool {
	d := Digits(canonical)
	return len(d) >= 8 && len(d) <= 15
}

// DigitsOnly drops every character that is not an ASCII digit.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

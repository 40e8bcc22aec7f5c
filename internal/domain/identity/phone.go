package identity

import (
	"strings"

	"github.com/ttacon/libphonenumber"
)

const (
	countryPrefix  = "56"
	mobilePrefix   = "569"
	landlinePrefix = "562"
)

// NormalizePhone converts a raw phone string to canonical +56… form.
// Recognized national shapes get the proper prefix; anything else passes
// through with only character stripping. Never panics.
func NormalizePhone(raw string) string {
	trimmed := strings.TrimSpace(raw)
	hasPlus := strings.HasPrefix(trimmed, "+")
	digits := stripNonDigits(trimmed)
	if digits == "" {
		return ""
	}

	if hasPlus {
		return "+" + fixSubscriberPrefix(digits)
	}

	switch {
	case len(digits) == 9 && digits[0] == '9':
		// Bare mobile subscriber number.
		return "+" + countryPrefix + digits
	case len(digits) == 8:
		// Mobile without the leading 9.
		return "+" + mobilePrefix + digits
	case len(digits) == 11 && strings.HasPrefix(digits, countryPrefix):
		// Country code already present, just missing the plus.
		return "+" + fixSubscriberPrefix(digits)
	case len(digits) == 7:
		// Santiago landline.
		return "+" + landlinePrefix + digits
	default:
		return digits
	}
}

// fixSubscriberPrefix repairs +56 numbers whose mobile subscriber part lost
// its leading 9 (a common spreadsheet truncation).
func fixSubscriberPrefix(digits string) string {
	if strings.HasPrefix(digits, countryPrefix) && len(digits) == len(countryPrefix)+8 {
		rest := digits[len(countryPrefix):]
		if rest[0] != '9' && rest[0] != '2' {
			return mobilePrefix + rest
		}
	}
	return digits
}

// ValidPhone reports whether a normalized number parses as a valid number
// for the operating region.
func ValidPhone(normalized string) bool {
	if normalized == "" {
		return false
	}
	p, err := libphonenumber.Parse(normalized, "CL")
	if err != nil {
		return false
	}
	return libphonenumber.IsValidNumber(p)
}

func stripNonDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Package identity normalizes Chilean national identifiers (RUT) and phone
// numbers into the canonical forms used everywhere else in the pipeline.
package identity

import (
	"regexp"
	"strings"
)

// canonicalRUTPattern matches a formatted RUT: digit groups of three separated
// by periods, a hyphen, and the check character (digit or K).
var canonicalRUTPattern = regexp.MustCompile(`^\d{1,3}(\.\d{3})*-[0-9K]$`)

// Normalizer converts raw identifier strings to canonical form.
// When Strict is set, a supplied check character is always replaced by the
// computed one; otherwise a supplied character that verifies is trusted.
type Normalizer struct {
	Strict bool
}

// NewNormalizer returns a Normalizer with the default (non-strict) policy.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// NormalizeRUT converts an arbitrary identifier string into canonical
// "NN.NNN.NNN-C" form. Garbage or empty input yields an empty string; this
// function never panics.
func (n *Normalizer) NormalizeRUT(raw string) string {
	cleaned := cleanRUT(raw)
	if cleaned == "" {
		return ""
	}

	body, check := splitBodyCheck(cleaned)
	if body == "" {
		return ""
	}
	if n.Strict {
		check = ComputeCheckDigit(body)
	}

	return formatRUT(body, check)
}

// IsCanonicalRUT reports whether s is already in canonical formatted form
// with a verifying check character.
func IsCanonicalRUT(s string) bool {
	if !canonicalRUTPattern.MatchString(s) {
		return false
	}
	bare := strings.NewReplacer(".", "", "-", "").Replace(s)
	body := bare[:len(bare)-1]
	return ComputeCheckDigit(body) == bare[len(bare)-1]
}

// ComputeCheckDigit computes the mod-11 check character for a digit-only
// body. Weights cycle 2..7 from the rightmost digit.
func ComputeCheckDigit(body string) byte {
	sum := 0
	multiplier := 2
	for i := len(body) - 1; i >= 0; i-- {
		c := body[i]
		if c < '0' || c > '9' {
			continue
		}
		sum += int(c-'0') * multiplier
		multiplier++
		if multiplier > 7 {
			multiplier = 2
		}
	}

	switch v := 11 - sum%11; v {
	case 11:
		return '0'
	case 10:
		return 'K'
	default:
		return byte('0' + v)
	}
}

// cleanRUT keeps digits and the check letter K (uppercased). A K anywhere
// but the final position is noise and dropped.
func cleanRUT(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= '0' && r <= '9') || r == 'K' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	// Only a trailing K can be a check character; interior Ks are noise.
	if strings.ContainsRune(cleaned, 'K') {
		trailing := strings.HasSuffix(cleaned, "K")
		cleaned = strings.ReplaceAll(cleaned, "K", "")
		if trailing {
			cleaned += "K"
		}
	}
	return cleaned
}

// splitBodyCheck decides whether the trailing character is a supplied check
// character. A trailing K is always a check character. A trailing digit is
// treated as the check only when it verifies against the preceding digits;
// otherwise the whole cleaned string is the body and the check is computed.
func splitBodyCheck(cleaned string) (string, byte) {
	last := cleaned[len(cleaned)-1]

	if last == 'K' {
		body := cleaned[:len(cleaned)-1]
		return body, last
	}

	if len(cleaned) >= 2 {
		body := cleaned[:len(cleaned)-1]
		if ComputeCheckDigit(body) == last {
			return body, last
		}
	}

	return cleaned, ComputeCheckDigit(cleaned)
}

// formatRUT groups body digits in threes from the right with periods and
// appends the hyphenated check character.
func formatRUT(body string, check byte) string {
	var groups []string
	for len(body) > 3 {
		groups = append([]string{body[len(body)-3:]}, groups...)
		body = body[:len(body)-3]
	}
	groups = append([]string{body}, groups...)
	return strings.Join(groups, ".") + "-" + string(check)
}

package validate

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// bidiOverrides are the bidirectional-control code points that must be
// stripped from any externally supplied string (spec.md §4.6 step 3).
var bidiOverrides = map[rune]bool{
	0x202A: true, 0x202B: true, 0x202C: true, 0x202D: true, 0x202E: true,
	0x2066: true, 0x2067: true, 0x2068: true, 0x2069: true,
	0x200E: true, 0x200F: true, 0x061C: true,
}

// SanitizePrompt applies the one-shot inbound cleanup pipeline of
// spec.md §4.6 to any externally supplied string (user utterance,
// chat_prompt, history content) before it is ever placed in a prompt.
func SanitizePrompt(s string, maxChars int) (string, error) {
	normalized := norm.NFKC.String(s)
	trimmed := strings.TrimSpace(normalized)
	if trimmed == "" {
		return "", &ValidationError{Code: "validation_error", Message: "input is empty after normalization"}
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		if bidiOverrides[r] {
			continue
		}
		if isDisallowedControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	cleaned := stripEscapedQuotes(b.String())

	if maxChars > 0 && utf8.RuneCountInString(cleaned) > maxChars {
		return "", &ValidationError{
			Code:    "validation_error",
			Message: "input exceeds maximum allowed length",
		}
	}
	return cleaned, nil
}

// isDisallowedControl reports C0/C1 control characters except TAB/CR/LF.
func isDisallowedControl(r rune) bool {
	if r == '\t' || r == '\r' || r == '\n' {
		return false
	}
	if r < 0x20 || r == 0x7F {
		return true
	}
	if r >= 0x80 && r <= 0x9F {
		return true
	}
	return false
}

// stripEscapedQuotes removes doubled-escaped quote sequences (\") that
// arrive from some clients' JSON-in-JSON encoding.
func stripEscapedQuotes(s string) string {
	return strings.ReplaceAll(s, `\"`, "")
}

// ValidateRequired rejects empty-after-normalization or clearly-absent
// input before it ever reaches SanitizePrompt, matching spec.md §4.6 step
// 1 ("Reject if None, non-string, or empty after NFKC normalization and
// trimming"). Go's static typing already rules out None/non-string at the
// call site; this only re-checks emptiness so every caller gets the same
// error shape.
func ValidateRequired(s string) error {
	if strings.TrimSpace(norm.NFKC.String(s)) == "" {
		return &ValidationError{Code: "validation_error", Message: "input must not be empty"}
	}
	return nil
}

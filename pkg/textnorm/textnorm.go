// Package textnorm provides the deterministic text normalization shared by
// fingerprinting, comment identity, and clustering. Normalization rules are
// versioned through the fingerprint package; changing them invalidates every
// stored case id.
package textnorm

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies the strict normalization used for fingerprint slots:
// Unicode NFC, BOM removal, whitespace collapsed to single spaces, trimmed,
// lowercased. Emoji and punctuation are preserved. maxLen > 0 truncates the
// result to that many runes.
func Normalize(text string, maxLen int) string {
	if text == "" {
		return ""
	}
	normalized := norm.NFC.String(strings.ReplaceAll(text, "\ufeff", ""))
	normalized = strings.ToLower(Collapse(normalized))
	return Truncate(normalized, maxLen)
}

// Collapse reduces every whitespace run to a single space and trims the ends.
// Case and composition are left alone; this is the light form used for
// comment identity.
func Collapse(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Truncate cuts s to maxLen runes. maxLen <= 0 means no limit.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}

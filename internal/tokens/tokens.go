// Package tokens estimates LLM token counts for compression-ratio reporting.
package tokens

import (
	"unicode"
	"unicode/utf8"
)

// runesPerToken is the average word-piece length the estimate assumes.
const runesPerToken = 4

// Estimate approximates the token count of a string.
//
// A word (a run of letters, digits, marks or underscores) costs one token per
// started group of four runes. Every other non-space rune costs one token and
// whitespace is free. The result depends only on the input bytes, so ratios
// computed from it are reproducible across runs and platforms.
func Estimate(s string) int {
	total := 0
	word := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size

		if r != utf8.RuneError && isWordRune(r) {
			word++
			continue
		}
		total += wordTokens(word)
		word = 0

		if r == utf8.RuneError || !unicode.IsSpace(r) {
			total++
		}
	}
	return total + wordTokens(word)
}

// EstimateBytes is Estimate for a byte slice.
func EstimateBytes(b []byte) int {
	return Estimate(string(b))
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

func wordTokens(n int) int {
	return (n + runesPerToken - 1) / runesPerToken
}

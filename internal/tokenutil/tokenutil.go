package tokenutil

import (
	"strings"
	"unicode/utf8"
)

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	if charEstimate == 0 {
		return 1
	}
	return charEstimate
}

// EstimateRunes is the ceiling of runes/4. It is the cheaper estimate used
// when exact counts do not matter (progress display, sanity checks).
func EstimateRunes(content string) int {
	n := utf8.RuneCountInString(content)
	return (n + 3) / 4
}

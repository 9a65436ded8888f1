package budget

import "strings"

// EstimateTokens returns a word-based token estimate for content that
// carries no backend-reported usage. Splits on whitespace, multiplies
// by 1.33 (avg tokens/word for English), and floors with len/4 for
// code or non-English text.
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
	return charEstimate
}

package tokenutil

import "strings"

// EstimateTokens approximates the token count of a text without a model
// tokenizer. Whitespace-separated words scaled by 1.33 (average tokens per
// English word), floored by bytes/4 so code and CJK text are not undercounted.
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

package llm

import (
	"math"
	"strings"
)

// EstimateTokens approximates the token count of |text| from its word count.
func EstimateTokens(text string) int {
	var words = len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// EstimateReserve sizes the token reservation of a completion call: the
// larger of the word-based estimate and a characters/4 floor, plus the
// response allowance.
func EstimateReserve(messages []Message, maxOutputTokens int) int64 {
	var prompt int
	var chars int
	for _, m := range messages {
		prompt += EstimateTokens(m.Content)
		chars += len(m.Content)
	}
	if floor := chars / 4; floor > prompt {
		prompt = floor
	}
	return int64(prompt + maxOutputTokens)
}

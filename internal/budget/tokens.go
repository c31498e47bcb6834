package budget

import "unicode/utf8"

// Token estimation for context budget management. The heuristic is
// calibrated for Claude-family tokenizers (~4 characters per token),
// matching what the rest of the runtime assumes.

// TokenCounter provides token counting functionality.
type TokenCounter struct {
	charsPerToken float64
}

// NewTokenCounter creates a token counter with default calibration.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{charsPerToken: 4.0}
}

// CountString estimates tokens in a string.
func (tc *TokenCounter) CountString(s string) int {
	if s == "" {
		return 0
	}
	// Rune count for proper unicode handling
	return int(float64(utf8.RuneCountInString(s)) / tc.charsPerToken)
}

// TrimToTokens returns the longest suffix or prefix of s that fits within
// maxTokens, controlled by fromTail.
func (tc *TokenCounter) TrimToTokens(s string, maxTokens int, fromTail bool) string {
	if maxTokens <= 0 {
		return ""
	}
	maxRunes := int(float64(maxTokens) * tc.charsPerToken)
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if fromTail {
		return string(runes[len(runes)-maxRunes:])
	}
	return string(runes[:maxRunes])
}

package inject

import (
	"strings"
	"unicode"
)

// maxPromptRunes bounds how much prompt text selection and alignment see.
const maxPromptRunes = 8192

// SanitizePrompt strips control characters and zero-width runes, collapses
// runs of whitespace, and caps the length. The planner scores skills and
// aligns status against this text, never the raw prompt.
func SanitizePrompt(prompt string) string {
	var b strings.Builder
	b.Grow(len(prompt))
	lastSpace := false
	count := 0
	for _, r := range prompt {
		if count >= maxPromptRunes {
			break
		}
		switch {
		case r == '\u200b' || r == '\u200c' || r == '\u200d' || r == '\ufeff':
			continue
		case unicode.IsControl(r) || unicode.IsSpace(r):
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(' ')
				count++
			}
			lastSpace = true
		case unicode.IsPrint(r):
			b.WriteRune(r)
			count++
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

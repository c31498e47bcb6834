package ledger

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Digest is a bounded-token rolling window over recent ledger rows, formatted
// for context injection.
type Digest struct {
	Text   string
	Tokens int
	Rows   int
}

// charsPerToken mirrors the injection planner's estimation heuristic.
const charsPerToken = 4.0

// BuildDigest formats the last windowRows evidence rows into a digest capped
// at maxTokens. Rows are dropped oldest-first when over budget.
func (s *Store) BuildDigest(sessionID string, windowRows, maxTokens int) Digest {
	if windowRows <= 0 {
		windowRows = 12
	}

	rows := s.QueryRows(sessionID, Query{Last: windowRows})
	if len(rows) == 0 {
		return Digest{}
	}

	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		switch r.Kind {
		case RowCheckpoint:
			lines = append(lines, fmt.Sprintf("- [checkpoint] %s", r.OutputSummary))
		default:
			line := fmt.Sprintf("- [%s] %s", r.Verdict, r.Tool)
			if r.Skill != "" {
				line += " (" + r.Skill + ")"
			}
			if r.OutputSummary != "" {
				line += ": " + r.OutputSummary
			}
			lines = append(lines, line)
		}
	}

	// Drop oldest lines until the digest fits the token cap.
	for len(lines) > 0 {
		text := "Recent evidence:\n" + strings.Join(lines, "\n")
		tokens := estimateTokens(text)
		if maxTokens <= 0 || tokens <= maxTokens {
			return Digest{Text: text, Tokens: tokens, Rows: len(lines)}
		}
		lines = lines[1:]
	}
	return Digest{}
}

func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return int(float64(utf8.RuneCountInString(s)) / charsPerToken)
}

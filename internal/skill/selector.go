package skill

import "sort"

// Candidate is one scored selection result.
type Candidate struct {
	Contract *Contract
	Score    float64
}

// Select scores every contract against the prompt and returns the top k.
// Scoring is tag/keyword overlap: a tag hit weighs more than a name or
// description hit. Ties break by tier (base < pack < project) then name.
func (r *Registry) Select(prompt string, k int) []Candidate {
	words := sanitizePrompt(prompt)
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[w] = true
	}

	r.mu.Lock()
	contracts := make([]*Contract, len(r.ordered))
	copy(contracts, r.ordered)
	r.mu.Unlock()

	var scored []Candidate
	for _, c := range contracts {
		score := scoreContract(c, wordSet)
		if score > 0 {
			scored = append(scored, Candidate{Contract: c, Score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ra, rb := tierRank(a.Contract.Tier), tierRank(b.Contract.Tier)
		if ra != rb {
			return ra < rb
		}
		return a.Contract.Name < b.Contract.Name
	})

	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

func scoreContract(c *Contract, words map[string]bool) float64 {
	var score float64
	for _, tag := range c.Tags {
		if words[tag] {
			score += 3
		}
	}
	if words[c.Name] {
		score += 2
	}
	for _, w := range sanitizePrompt(c.Description) {
		if words[w] && len(w) > 3 {
			score += 0.5
		}
	}
	return score
}

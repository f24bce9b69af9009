package runner

import "strings"

// Scorer rates node content on the 0-10 quality scale. The substrate treats
// scoring as opaque; the shipped default is deterministic so score
// operations replay identically.
type Scorer interface {
	Score(content string) float64
}

// HeuristicScorer is the default: depth of content (length) plus evidence
// density (bracketed citation markers), clamped to [0,10]. Same content,
// same score.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(content string) float64 {
	score := 4.0

	// Up to 4 points for substance.
	length := float64(len(content)) / 200.0
	if length > 4.0 {
		length = 4.0
	}
	score += length

	// Up to 2 points for citation markers like [1], [2].
	score += float64(countMarkers(content)) * 0.5

	if score > 10 {
		score = 10
	}
	if score < 0 {
		score = 0
	}
	return score
}

func countMarkers(content string) int {
	count := 0
	for i := 0; i < len(content) && count < 4; i++ {
		if content[i] != '[' {
			continue
		}
		end := strings.IndexByte(content[i:], ']')
		if end <= 1 || end > 4 {
			continue
		}
		digits := content[i+1 : i+end]
		ok := true
		for _, c := range digits {
			if c < '0' || c > '9' {
				ok = false
				break
			}
		}
		if ok {
			count++
		}
	}
	return count
}

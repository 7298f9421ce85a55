package retrieval

import "strings"

// Deduplicate drops candidates whose content overlaps an earlier candidate by
// at least threshold, measured as Jaccard similarity over word sets.
// Candidates are expected in similarity order, so the earlier one is kept.
// A threshold <= 0 disables filtering.
func Deduplicate(candidates []Candidate, threshold float64) []Candidate {
	if threshold <= 0 || len(candidates) <= 1 {
		return candidates
	}

	wordSets := make([]map[string]struct{}, len(candidates))
	for i, c := range candidates {
		wordSets[i] = tokenize(c.Content)
	}

	keep := make([]bool, len(candidates))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(candidates); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if !keep[j] {
				continue
			}
			if jaccardSimilarity(wordSets[i], wordSets[j]) >= threshold {
				keep[j] = false
			}
		}
	}

	deduplicated := make([]Candidate, 0, len(candidates))
	for i, c := range candidates {
		if keep[i] {
			deduplicated = append(deduplicated, c)
		}
	}
	return deduplicated
}

// tokenize converts content into a set of lowercase words.
func tokenize(content string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(content))
	wordSet := make(map[string]struct{}, len(words))
	for _, word := range words {
		word = strings.Trim(word, ".,!?;:\"'()[]{}=<>|")
		// Short tokens still matter here: inventory tables are mostly model
		// numbers and quantities.
		if word != "" {
			wordSet[word] = struct{}{}
		}
	}
	return wordSet
}

func jaccardSimilarity(set1, set2 map[string]struct{}) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for word := range set1 {
		if _, exists := set2[word]; exists {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	return float64(intersection) / float64(union)
}

package reranker

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

const (
	minGrade     = 1
	maxGrade     = 10
	neutralGrade = 5
)

// ErrMalformedScores is returned when no integer array can be recovered from
// the model's reply.
var ErrMalformedScores = errors.New("no score array in model response")

// scoreArray matches the first bracketed, comma-separated list of integers,
// wherever it appears in the reply.
var scoreArray = regexp.MustCompile(`\[\s*\d+(?:\s*,\s*\d+)*\s*\]`)

// ParseScores extracts the first JSON array of integer grades from free-form
// model output. Prose or code fences around the array are ignored.
func ParseScores(response string) ([]int, error) {
	match := scoreArray.FindString(response)
	if match == "" {
		return nil, ErrMalformedScores
	}

	var grades []int
	if err := json.Unmarshal([]byte(match), &grades); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedScores, err)
	}
	return grades, nil
}

// alignGrades returns exactly n grades clamped to [1,10]. Missing positions
// get the neutral grade; surplus grades are dropped.
func alignGrades(grades []int, n int) []int {
	aligned := make([]int, n)
	for i := range aligned {
		if i >= len(grades) {
			aligned[i] = neutralGrade
			continue
		}
		aligned[i] = max(minGrade, min(maxGrade, grades[i]))
	}
	return aligned
}

// neutralGrades is the fallback used when the reply cannot be parsed.
func neutralGrades(n int) []int {
	return alignGrades(nil, n)
}

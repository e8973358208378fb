package command

import (
	"slices"
	"strings"

	"github.com/agext/levenshtein"
)

// maxEditDistance bounds the fuzzy tier: typos, not guesses.
const maxEditDistance = 2

// MatchProject resolves an operator-typed name against the registered
// project names. Tiers in order: exact, prefix, substring, edit distance
// ≤ 2 against the full name or any hyphen-split part. The first tier with
// a hit wins; within a tier the lexicographically earliest name wins.
func MatchProject(input string, names []string) (string, bool) {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" || len(names) == 0 {
		return "", false
	}
	sorted := slices.Clone(names)
	slices.Sort(sorted)

	for _, name := range sorted {
		if strings.ToLower(name) == input {
			return name, true
		}
	}
	for _, name := range sorted {
		if strings.HasPrefix(strings.ToLower(name), input) {
			return name, true
		}
	}
	for _, name := range sorted {
		if strings.Contains(strings.ToLower(name), input) {
			return name, true
		}
	}
	for _, name := range sorted {
		lower := strings.ToLower(name)
		if levenshtein.Distance(input, lower, nil) <= maxEditDistance {
			return name, true
		}
		for _, part := range strings.Split(lower, "-") {
			if levenshtein.Distance(input, part, nil) <= maxEditDistance {
				return name, true
			}
		}
	}
	return "", false
}

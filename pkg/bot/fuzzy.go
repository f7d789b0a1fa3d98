package bot

import "unicode/utf8"

// damerauLevenshtein is the edit distance between a and b counting
// insertions, deletions, substitutions and adjacent transpositions.
func damerauLevenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev2 := make([]int, lb+1)
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(
				prev[j]+1,      // deletion
				cur[j-1]+1,     // insertion
				prev[j-1]+cost, // substitution
			)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				if t := prev2[j-2] + 1; t < cur[j] {
					cur[j] = t
				}
			}
		}
		prev2, prev, cur = prev, cur, prev2
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// typoScore normalizes the edit distance by the longer string, so 0 is an
// exact match and 1 shares nothing.
func typoScore(a, b string) float64 {
	longer := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longer {
		longer = n
	}
	if longer == 0 {
		return 0
	}
	return float64(damerauLevenshtein(a, b)) / float64(longer)
}

// closestMatch returns the candidate nearest to input when its score beats
// threshold.
func closestMatch(input string, candidates []string, threshold float64) (string, bool) {
	best := ""
	bestScore := threshold
	for _, c := range candidates {
		if score := typoScore(input, c); score < bestScore {
			best = c
			bestScore = score
		}
	}
	return best, best != ""
}

// uniquePrefix expands input to the single candidate it prefixes, if exactly
// one exists.
func uniquePrefix(input string, candidates []string) (string, bool) {
	if input == "" {
		return "", false
	}
	match := ""
	for _, c := range candidates {
		if len(c) >= len(input) && c[:len(input)] == input {
			if match != "" {
				return "", false
			}
			match = c
		}
	}
	return match, match != ""
}

package resolver

import (
	"strings"
	"unicode"
)

// normalizeKey converts a title to its comparison form: lowercase, letters
// and digits only, single spaces.
func normalizeKey(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))

	prevSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevSpace = false
			continue
		}
		if !prevSpace {
			b.WriteRune(' ')
			prevSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// titleSimilarity is 1 minus the normalized Levenshtein distance between
// the normalized forms, in [0,1].
func titleSimilarity(a, b string) float64 {
	na, nb := normalizeKey(a), normalizeKey(b)
	if na == nb {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}
	dist := levenshtein(na, nb)
	longest := len([]rune(na))
	if l := len([]rune(nb)); l > longest {
		longest = l
	}
	return 1 - float64(dist)/float64(longest)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
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

// creatorOverlap is |intersection of lowercased creator sets| divided by
// max(|A|, |B|, 1).
func creatorOverlap(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, s := range a {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			setA[s] = true
		}
	}
	setB := make(map[string]bool, len(b))
	for _, s := range b {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			setB[s] = true
		}
	}

	inter := 0
	for s := range setA {
		if setB[s] {
			inter++
		}
	}

	denom := len(setA)
	if len(setB) > denom {
		denom = len(setB)
	}
	if denom < 1 {
		denom = 1
	}
	return float64(inter) / float64(denom)
}

// Package textnorm normalizes visible element text for comparison.
//
// Binding resolution falls back to text matching when an element's
// structural signature has drifted; both sides of that comparison go
// through Normalize so cosmetic differences (case, punctuation, runs of
// whitespace) never defeat a match.
package textnorm

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	punctRe = regexp.MustCompile(`[^\p{L}\p{N}\s-]+`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// Normalize lowercases s, strips punctuation, and collapses whitespace
// runs to single spaces. The result is stable: Normalize(Normalize(s))
// == Normalize(s).
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = punctRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Distance returns the Levenshtein edit distance between a and b in runes.
func Distance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Within reports whether the edit distance between a and b is at most max.
// A length-difference pre-check skips the table for hopeless pairs.
func Within(a, b string, max int) bool {
	if max < 0 {
		return false
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	diff := la - lb
	if diff < 0 {
		diff = -diff
	}
	if diff > max {
		return false
	}
	return Distance(a, b) <= max
}

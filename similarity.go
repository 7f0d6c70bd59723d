package main

import (
	"sort"
	"strings"
	"unicode"
)

// Blend weights for Similarity. The token-set score carries most of the
// signal; the character score catches typos and morphological variants.
// Tunables, covered by regression-floor tests.
const (
	tokenScoreWeight = 0.7
	charScoreWeight  = 0.3
)

// Per-field weights for comparing a candidate ticket against an existing
// one. Titles are short and operator-curated, so they weigh more.
const (
	titleWeight = 0.6
	bodyWeight  = 0.4
)

// Similarity returns a [0,1] score between two strings. Symmetric;
// Similarity(a, a) == 1 for any a; two empty strings score 1; an empty
// string against a non-empty one scores 0.
func Similarity(a, b string) float64 {
	ta := tokenize(a)
	tb := tokenize(b)

	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	token := jaccard(ta, tb)
	char := levenshteinSimilarity(strings.Join(ta, ""), strings.Join(tb, ""))

	return tokenScoreWeight*token + charScoreWeight*char
}

// FieldSimilarity scores a candidate (title, body) pair against an existing
// one: 0.6 title + 0.4 body.
func FieldSimilarity(titleA, bodyA, titleB, bodyB string) float64 {
	return titleWeight*Similarity(titleA, titleB) + bodyWeight*Similarity(bodyA, bodyB)
}

// tokenize lowercases, strips punctuation, splits on whitespace, and
// returns the sorted set of distinct tokens. Sorting keeps the character
// score deterministic across runs.
func tokenize(s string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	seen := make(map[string]bool)
	var tokens []string
	for _, tok := range strings.Fields(b.String()) {
		if !seen[tok] {
			seen[tok] = true
			tokens = append(tokens, tok)
		}
	}
	sort.Strings(tokens)
	return tokens
}

func jaccard(a, b []string) float64 {
	setB := make(map[string]bool, len(b))
	for _, tok := range b {
		setB[tok] = true
	}
	intersection := 0
	for _, tok := range a {
		if setB[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}

// levenshteinSimilarity converts edit distance to a [0,1] score:
// 1 - distance/max(len). Floored at 0.
func levenshteinSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	score := 1.0 - float64(levenshtein(a, b))/float64(maxLen)
	if score < 0 {
		return 0.0
	}
	return score
}

func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	prev := make([]int, len(ra)+1)
	cur := make([]int, len(ra)+1)
	for i := range prev {
		prev[i] = i
	}

	for j := 1; j <= len(rb); j++ {
		cur[0] = j
		for i := 1; i <= len(ra); i++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[i] = min3(
				cur[i-1]+1,     // deletion
				prev[i]+1,      // insertion
				prev[i-1]+cost, // substitution
			)
		}
		prev, cur = cur, prev
	}
	return prev[len(ra)]
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

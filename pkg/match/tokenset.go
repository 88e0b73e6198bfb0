// Package match scores screening requests against the published watchlist
// snapshot and produces verdicts.
package match

import (
	"sort"
	"strings"
)

// indelSimilarity returns the normalized indel similarity of a and b as an
// integer in [0,100]. Indel distance is Levenshtein restricted to insertions
// and deletions; the similarity is (lenA+lenB-dist)/(lenA+lenB), which reduces
// to 2*LCS/(lenA+lenB). The fractional part is truncated.
func indelSimilarity(a, b string) int {
	if a == b {
		return 100
	}
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 100
	}
	return (200 * lcsLength(ra, rb)) / total
}

// lcsLength computes the longest common subsequence length with a rolling row.
func lcsLength(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// TokenSetRatio compares two strings after splitting them into sorted unique
// whitespace tokens. The score is the best indel similarity over the three
// combinations of (shared tokens, shared+remainder of a, shared+remainder of b),
// so token order never matters and a full token subset scores 100.
func TokenSetRatio(a, b string) int {
	ta, tb := uniqueSortedTokens(a), uniqueSortedTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		if len(ta) == 0 && len(tb) == 0 {
			return 100
		}
		return 0
	}

	inA := make(map[string]struct{}, len(ta))
	for _, t := range ta {
		inA[t] = struct{}{}
	}
	inB := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		inB[t] = struct{}{}
	}

	var shared, onlyA, onlyB []string
	for _, t := range ta {
		if _, ok := inB[t]; ok {
			shared = append(shared, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for _, t := range tb {
		if _, ok := inA[t]; !ok {
			onlyB = append(onlyB, t)
		}
	}

	base := strings.Join(shared, " ")
	full1 := joinNonEmpty(base, strings.Join(onlyA, " "))
	full2 := joinNonEmpty(base, strings.Join(onlyB, " "))

	// When one token set contains the other, base equals one of the full
	// strings and the score is exactly 100.
	best := indelSimilarity(full1, full2)
	if len(shared) > 0 {
		if s := indelSimilarity(base, full1); s > best {
			best = s
		}
		if s := indelSimilarity(base, full2); s > best {
			best = s
		}
	}
	return best
}

func uniqueSortedTokens(s string) []string {
	fields := strings.Fields(s)
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

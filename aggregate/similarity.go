package aggregate

import "strings"

// jaccardSimilarity scores word-set overlap between a and b in [0,1]. There
// is no text-embedding/cosine-similarity library anywhere in the example
// corpus to ground spec.md §4.6's "cosine-similarity or literal overlap"
// conflict detector on, so this is a deliberate stdlib fallback: a Jaccard
// index over lowercased word tokens, which is cheap, dependency-free, and
// good enough to catch near-duplicate terminal outputs.
func jaccardSimilarity(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	intersection := 0
	for w := range wa {
		if wb[w] {
			intersection++
		}
	}
	union := len(wa) + len(wb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

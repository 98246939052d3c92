package retrieval

import (
	"math"
	"strings"

	"github.com/antzucaro/matchr"
)

// fuzzyThreshold is the Jaro-Winkler score above which two tokens count as
// the same word for lexical scoring. 0.84 tolerates common misspellings
// without conflating short unrelated tokens.
const fuzzyThreshold = 0.84

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty, zero-length, or the dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// LexicalScore returns the fraction of query tokens found in text, with
// fuzzy credit for near-matches. It is the fallback scorer when embeddings
// are unavailable on either side, so its range matches cosine's [0, 1].
func LexicalScore(query, text string) float64 {
	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return 0
	}
	tTokens := tokenize(text)
	if len(tTokens) == 0 {
		return 0
	}

	matched := 0.0
	for _, q := range qTokens {
		best := 0.0
		for _, tok := range tTokens {
			if tok == q {
				best = 1
				break
			}
			if jw := matchr.JaroWinkler(q, tok, false); jw >= fuzzyThreshold && jw > best {
				best = jw
			}
		}
		matched += best
	}
	return matched / float64(len(qTokens))
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

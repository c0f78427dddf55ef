// Package dedupe detects near-duplicate documents with similarity
// fingerprints (SimHash/MinHash) and a banded LSH index, and assigns each
// document its canonical representative.
package dedupe

import (
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// stopWords are filtered from the token stream before shingling. Small on
// purpose: fingerprints tolerate noise, they just need stable token streams.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "he": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"to": {}, "was": {}, "were": {}, "will": {}, "with": {},
}

// Tokenize lowercases, splits on non-alphanumeric runes, and drops stop
// words. The result is the normalized token stream fingerprints are
// computed over.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, stop := stopWords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// Shingles returns the hashed k-token shingles of the token stream.
// Documents shorter than one shingle yield a single shingle of whatever
// tokens exist, so even tiny documents fingerprint deterministically.
func Shingles(tokens []string, k int) []uint64 {
	if k <= 0 {
		k = 3
	}
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) < k {
		return []uint64{xxhash.Sum64String(strings.Join(tokens, " "))}
	}

	out := make([]uint64, 0, len(tokens)-k+1)
	for i := 0; i+k <= len(tokens); i++ {
		out = append(out, xxhash.Sum64String(strings.Join(tokens[i:i+k], " ")))
	}
	return out
}

// ShingleSet deduplicates shingle hashes into a set, used for Jaccard
// ground truth in tests and MinHash input.
func ShingleSet(shingles []uint64) map[uint64]struct{} {
	set := make(map[uint64]struct{}, len(shingles))
	for _, s := range shingles {
		set[s] = struct{}{}
	}
	return set
}

// Jaccard computes the exact Jaccard similarity of two shingle sets.
func Jaccard(a, b map[uint64]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for s := range small {
		if _, ok := large[s]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

package dedupe

import (
	"math/bits"

	"github.com/cespare/xxhash/v2"

	"github.com/chilleregeravi/agents/internal/corpus"
)

// MinHashPermutations is the signature width for MinHash fingerprints.
const MinHashPermutations = 128

// Fingerprinter computes a similarity-preserving signature over a
// normalized token stream and scores two signatures against each other.
type Fingerprinter interface {
	Kind() corpus.FingerprintKind

	// Signature fingerprints the hashed shingles of a document.
	// Fingerprinting is pure: the same shingles always produce the same
	// signature, which is what makes dedup retries idempotent.
	Signature(shingles []uint64) []uint64

	// Similarity estimates the similarity of two signatures in [0,1].
	Similarity(a, b []uint64) float64
}

// SimHasher produces 64-bit SimHash signatures. Similarity is Hamming-based:
// 1 - popcount(a^b)/64.
type SimHasher struct{}

// Kind implements Fingerprinter.
func (SimHasher) Kind() corpus.FingerprintKind { return corpus.FingerprintSimHash }

// Signature implements Fingerprinter. The signature is a single uint64.
func (SimHasher) Signature(shingles []uint64) []uint64 {
	var counts [64]int
	for _, h := range shingles {
		for bit := 0; bit < 64; bit++ {
			if h&(1<<uint(bit)) != 0 {
				counts[bit]++
			} else {
				counts[bit]--
			}
		}
	}
	var sig uint64
	for bit := 0; bit < 64; bit++ {
		if counts[bit] > 0 {
			sig |= 1 << uint(bit)
		}
	}
	return []uint64{sig}
}

// Similarity implements Fingerprinter.
func (SimHasher) Similarity(a, b []uint64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	dist := bits.OnesCount64(a[0] ^ b[0])
	return 1 - float64(dist)/64
}

// MinHasher produces MinHash signatures with MinHashPermutations rows.
// Similarity is the fraction of matching rows, an unbiased Jaccard
// estimator.
type MinHasher struct{}

// Kind implements Fingerprinter.
func (MinHasher) Kind() corpus.FingerprintKind { return corpus.FingerprintMinHash }

// Signature implements Fingerprinter.
//
// Permutations use the Kirsch-Mitzenmacher construction g_i = h1 + i*h2 so
// a single pass over the shingles suffices instead of 128 independent
// hashes per shingle.
func (MinHasher) Signature(shingles []uint64) []uint64 {
	sig := make([]uint64, MinHashPermutations)
	for i := range sig {
		sig[i] = ^uint64(0)
	}
	var buf [8]byte
	for _, s := range shingles {
		putUint64(buf[:], s)
		h1 := xxhash.Sum64(buf[:])
		putUint64(buf[:], s^0x9e3779b97f4a7c15)
		h2 := xxhash.Sum64(buf[:]) | 1 // odd so rows stay distinct
		for i := 0; i < MinHashPermutations; i++ {
			v := h1 + uint64(i)*h2
			if v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// Similarity implements Fingerprinter.
func (MinHasher) Similarity(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	match := 0
	for i := range a {
		if a[i] == b[i] {
			match++
		}
	}
	return float64(match) / float64(len(a))
}

// NewFingerprinter returns the fingerprinter for the configured kind.
func NewFingerprinter(kind corpus.FingerprintKind) Fingerprinter {
	if kind == corpus.FingerprintMinHash {
		return MinHasher{}
	}
	return SimHasher{}
}

func putUint64(b []byte, v uint64) {
	_ = b[7]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

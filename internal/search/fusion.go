// Package search serves retrieval queries: it fans a query out to the
// lexical and vector indexes, fuses the two rankings with Reciprocal Rank
// Fusion, and hydrates the winners from the metadata store.
package search

import (
	"sort"
)

// DefaultRRFConstant is the standard RRF smoothing parameter. k=60 is the
// value validated across domains in the RRF literature.
const DefaultRRFConstant = 60

// Weights splits fusion influence between the two sources. Prose queries
// lean on vector similarity; the lexical side anchors exact terminology.
type Weights struct {
	Lexical float64
	Vector  float64
}

// DefaultWeights favors vector similarity for natural-language queries.
func DefaultWeights() Weights {
	return Weights{Lexical: 0.35, Vector: 0.65}
}

// FusedResult is one chunk after rank fusion.
type FusedResult struct {
	ChunkID      string
	Score        float64 // fused score, normalized to 0-1
	LexicalScore float64
	LexicalRank  int // 1-indexed, 0 if absent from the lexical list
	VectorScore  float64
	VectorRank   int // 1-indexed, 0 if absent from the vector list
	InBoth       bool
}

// rankedID is a minimal (id, score) pair from one sub-search.
type rankedID struct {
	ID    string
	Score float64
}

// RRFFusion combines two ranked lists:
//
//	score(d) = lexicalWeight/(k + lexicalRank) + vectorWeight/(k + vectorRank)
//
// Each term is summed only over the lists the chunk appears in; a chunk
// found by one source alone scores from that source alone.
type RRFFusion struct {
	K int
}

// NewRRFFusion creates a fusion with smoothing constant k (<= 0 means the
// default of 60).
func NewRRFFusion(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse merges the two rankings. The output is sorted fused-score
// descending with deterministic tie-breaking: chunks in both lists first,
// then higher lexical score, then smaller chunk id.
func (f *RRFFusion) Fuse(lexical, vector []rankedID, weights Weights) []*FusedResult {
	if len(lexical) == 0 && len(vector) == 0 {
		return []*FusedResult{}
	}

	scores := make(map[string]*FusedResult, len(lexical)+len(vector))
	get := func(id string) *FusedResult {
		if r, ok := scores[id]; ok {
			return r
		}
		r := &FusedResult{ChunkID: id}
		scores[id] = r
		return r
	}

	for rank, r := range lexical {
		fr := get(r.ID)
		fr.LexicalScore = r.Score
		fr.LexicalRank = rank + 1
		fr.Score += weights.Lexical / float64(f.K+rank+1)
	}
	for rank, r := range vector {
		fr := get(r.ID)
		fr.VectorScore = r.Score
		fr.VectorRank = rank + 1
		fr.Score += weights.Vector / float64(f.K+rank+1)
		fr.InBoth = fr.LexicalRank > 0
	}

	results := make([]*FusedResult, 0, len(scores))
	for _, fr := range scores {
		results = append(results, fr)
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.InBoth != b.InBoth {
			return a.InBoth
		}
		if a.LexicalScore != b.LexicalScore {
			return a.LexicalScore > b.LexicalScore
		}
		return a.ChunkID < b.ChunkID
	})

	normalize(results)
	return results
}

// normalize scales fused scores so the top result is 1.0.
func normalize(results []*FusedResult) {
	if len(results) == 0 || results[0].Score == 0 {
		return
	}
	max := results[0].Score
	for _, r := range results {
		r.Score /= max
	}
}

// Package embed provides the embedding capability used by the indexer and
// retriever. The default implementation is a deterministic hash-based
// embedder; a model-backed embedder can be swapped in behind the same
// interface.
package embed

import (
	"context"
	"math"
)

// DefaultDimensions is the vector width of the static embedder. Dense
// enough for usable nearest-neighbor recall, small enough that a million
// chunks fit comfortably in memory.
const DefaultDimensions = 384

// Embedder generates vector embeddings for text.
//
// Implementations must be deterministic for a fixed model: the same text
// always yields the same vector, otherwise re-indexing under redelivery
// would produce divergent index entries for identical chunks.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier, part of cache keys.
	ModelName() string

	// Available reports whether the embedder is ready to serve.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector scales a vector to unit length. Zero vectors pass
// through unchanged.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}

// Package store is the persistence layer: lexical search indexes (Bleve or
// SQLite FTS5), the HNSW vector store, and the SQLite metadata store that
// tracks documents, fingerprints, chunks, and pipeline state.
package store

import (
	"context"
	"fmt"
)

// Lexical backend names accepted by the factory.
const (
	BackendBleve  = "bleve"
	BackendSQLite = "sqlite"
)

// State keys for the metadata store.
const (
	// StateKeyEpoch stores the corpus epoch, bumped after every committed
	// index batch.
	StateKeyEpoch = "corpus_epoch"
	// StateKeyIndexDimension stores the embedding dimension the vector
	// index was built with, checked at startup against the configured
	// embedder.
	StateKeyIndexDimension = "index_embedding_dimension"
	// StateKeyIndexModel stores the embedding model name the vector index
	// was built with.
	StateKeyIndexModel = "index_embedding_model"
)

// LexicalDoc is a chunk as submitted to a lexical index.
type LexicalDoc struct {
	ID       string // chunk id
	TenantID string
	Content  string
}

// LexicalResult is a single lexical search hit.
type LexicalResult struct {
	ChunkID string
	Score   float64
}

// LexicalIndex provides keyword search with BM25 scoring. Implementations
// are tenant-scoped at query time: a search never returns another tenant's
// chunks.
type LexicalIndex interface {
	// Index adds documents. Existing ids are replaced, so re-indexing a
	// redelivered chunk is idempotent.
	Index(ctx context.Context, docs []*LexicalDoc) error

	// Search returns up to limit chunks of the tenant matching the query,
	// best first.
	Search(ctx context.Context, tenantID, query string, limit int) ([]*LexicalResult, error)

	// Delete removes documents by id.
	Delete(ctx context.Context, ids []string) error

	// AllIDs returns every indexed chunk id, used by the consistency
	// checker.
	AllIDs(ctx context.Context) ([]string, error)

	// Count returns the number of indexed documents.
	Count() int

	Close() error
}

// LexicalConfig configures a lexical index.
type LexicalConfig struct {
	// StopWords are filtered during analysis.
	StopWords []string
	// MinTokenLength is the minimum token length to index.
	MinTokenLength int
}

// DefaultLexicalConfig returns the default analysis settings.
func DefaultLexicalConfig() LexicalConfig {
	return LexicalConfig{
		StopWords:      DefaultProseStopWords,
		MinTokenLength: 2,
	}
}

// DefaultProseStopWords are high-frequency English function words that
// carry no retrieval signal.
var DefaultProseStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for", "from",
	"has", "have", "in", "is", "it", "its", "of", "on", "or", "that",
	"the", "this", "to", "was", "were", "which", "will", "with",
}

// VectorResult is a single vector search hit.
type VectorResult struct {
	ID       string
	Distance float32 // lower is more similar
	Score    float32 // normalized similarity, 0-1
}

// VectorStore provides approximate nearest-neighbor search.
type VectorStore interface {
	// Add inserts vectors with their ids. Existing ids are replaced.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Search finds the k nearest neighbors of the query vector.
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)

	// Delete removes vectors by id.
	Delete(ctx context.Context, ids []string) error

	// AllIDs returns every stored id, used by the consistency checker.
	AllIDs() []string

	// Contains reports whether the id exists.
	Contains(id string) bool

	// Count returns the number of live vectors.
	Count() int

	// Save writes a compressed snapshot to path.
	Save(path string) error

	// Load restores a snapshot written by Save.
	Load(path string) error

	Close() error
}

// VectorConfig configures the HNSW vector store.
type VectorConfig struct {
	Dimensions int
	Metric     string // "cos" or "l2"
	M          int    // max connections per layer
	EfSearch   int    // query-time search width
}

// DefaultVectorConfig returns HNSW settings tuned for prose chunks.
func DefaultVectorConfig(dimensions int) VectorConfig {
	return VectorConfig{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          16,
		EfSearch:   64,
	}
}

// ErrDimensionMismatch indicates a vector of the wrong width.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

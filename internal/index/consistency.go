package index

import (
	"context"
	"log/slog"
	"sort"

	"github.com/chilleregeravi/agents/internal/errors"
	"github.com/chilleregeravi/agents/internal/store"
)

// InconsistencyType classifies a divergence between the metadata store and
// the two indexes. The metadata store is the source of truth.
type InconsistencyType int

const (
	// LexicalOrphan is a chunk in the lexical index that the metadata store
	// does not know about.
	LexicalOrphan InconsistencyType = iota
	// VectorOrphan is a vector whose chunk is unknown to the metadata store.
	VectorOrphan
	// LexicalMissing is a known chunk absent from the lexical index.
	LexicalMissing
	// VectorMissing is a known chunk absent from the vector index.
	VectorMissing
)

func (t InconsistencyType) String() string {
	switch t {
	case LexicalOrphan:
		return "lexical_orphan"
	case VectorOrphan:
		return "vector_orphan"
	case LexicalMissing:
		return "lexical_missing"
	case VectorMissing:
		return "vector_missing"
	default:
		return "unknown"
	}
}

// Inconsistency is one diverged chunk.
type Inconsistency struct {
	ChunkID string
	Type    InconsistencyType
}

// CheckResult summarizes a consistency check.
type CheckResult struct {
	MetadataCount int
	LexicalCount  int
	VectorCount   int
	Issues        []Inconsistency
}

// Consistent reports whether the check found no divergence.
func (r *CheckResult) Consistent() bool {
	return len(r.Issues) == 0
}

// idsOfType collects the chunk ids with the given issue type, deduplicated.
func (r *CheckResult) idsOfType(types ...InconsistencyType) []string {
	want := make(map[InconsistencyType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	seen := make(map[string]bool)
	var ids []string
	for _, issue := range r.Issues {
		if want[issue.Type] && !seen[issue.ChunkID] {
			seen[issue.ChunkID] = true
			ids = append(ids, issue.ChunkID)
		}
	}
	return ids
}

// ConsistencyChecker detects and repairs divergence between the metadata
// store, the lexical index, and the vector index.
type ConsistencyChecker struct {
	meta    MetaStore
	lexical store.LexicalIndex
	vector  store.VectorStore
	logger  *slog.Logger
}

// NewConsistencyChecker creates a checker over the three stores.
func NewConsistencyChecker(meta MetaStore, lexical store.LexicalIndex,
	vector store.VectorStore, logger *slog.Logger) *ConsistencyChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsistencyChecker{meta: meta, lexical: lexical, vector: vector, logger: logger}
}

// Check compares the full id sets of all three stores. Issues come back
// sorted by chunk id, so repeated checks over the same state are
// byte-identical in logs.
func (c *ConsistencyChecker) Check(ctx context.Context) (*CheckResult, error) {
	metaIDs, err := c.meta.ChunkIDs(ctx)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageIO, "list metadata chunk ids", err)
	}
	lexIDs, err := c.lexical.AllIDs(ctx)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageIO, "list lexical index ids", err)
	}
	vecIDs := c.vector.AllIDs()

	known := make(map[string]bool, len(metaIDs))
	for _, id := range metaIDs {
		known[id] = true
	}
	inLexical := make(map[string]bool, len(lexIDs))
	for _, id := range lexIDs {
		inLexical[id] = true
	}
	inVector := make(map[string]bool, len(vecIDs))
	for _, id := range vecIDs {
		inVector[id] = true
	}

	result := &CheckResult{
		MetadataCount: len(metaIDs),
		LexicalCount:  len(lexIDs),
		VectorCount:   len(vecIDs),
	}
	for _, id := range lexIDs {
		if !known[id] {
			result.Issues = append(result.Issues, Inconsistency{ChunkID: id, Type: LexicalOrphan})
		}
	}
	for _, id := range vecIDs {
		if !known[id] {
			result.Issues = append(result.Issues, Inconsistency{ChunkID: id, Type: VectorOrphan})
		}
	}
	for _, id := range metaIDs {
		if !inLexical[id] {
			result.Issues = append(result.Issues, Inconsistency{ChunkID: id, Type: LexicalMissing})
		}
		if !inVector[id] {
			result.Issues = append(result.Issues, Inconsistency{ChunkID: id, Type: VectorMissing})
		}
	}

	sort.Slice(result.Issues, func(i, j int) bool {
		if result.Issues[i].ChunkID != result.Issues[j].ChunkID {
			return result.Issues[i].ChunkID < result.Issues[j].ChunkID
		}
		return result.Issues[i].Type < result.Issues[j].Type
	})

	if !result.Consistent() {
		c.logger.Warn("index_divergence_detected",
			slog.Int("issues", len(result.Issues)),
			slog.Int("metadata", result.MetadataCount),
			slog.Int("lexical", result.LexicalCount),
			slog.Int("vector", result.VectorCount))
	}
	return result, nil
}

// Repair deletes orphans from the indexes and re-commits missing chunks
// through reindex. A nil reindex leaves missing entries reported only.
func (c *ConsistencyChecker) Repair(ctx context.Context, result *CheckResult,
	reindex func(context.Context, []string) error) error {
	if result.Consistent() {
		return nil
	}

	if orphans := result.idsOfType(LexicalOrphan); len(orphans) > 0 {
		if err := c.lexical.Delete(ctx, orphans); err != nil {
			return errors.New(errors.ErrCodeStorageIO, "delete lexical orphans", err)
		}
		c.logger.Info("lexical_orphans_removed", slog.Int("count", len(orphans)))
	}
	if orphans := result.idsOfType(VectorOrphan); len(orphans) > 0 {
		if err := c.vector.Delete(ctx, orphans); err != nil {
			return errors.New(errors.ErrCodeStorageIO, "delete vector orphans", err)
		}
		c.logger.Info("vector_orphans_removed", slog.Int("count", len(orphans)))
	}

	missing := result.idsOfType(LexicalMissing, VectorMissing)
	if len(missing) == 0 {
		return nil
	}
	if reindex == nil {
		c.logger.Warn("missing_index_entries_not_repaired", slog.Int("count", len(missing)))
		return nil
	}
	if err := reindex(ctx, missing); err != nil {
		return errors.New(errors.ErrCodeIndexFailed, "reindex missing chunks", err)
	}
	c.logger.Info("missing_index_entries_rebuilt", slog.Int("count", len(missing)))
	return nil
}

// QuickCheck compares only the counts. Cheap enough to run at every
// startup; a mismatch warrants a full Check.
func (c *ConsistencyChecker) QuickCheck(ctx context.Context) (bool, error) {
	metaIDs, err := c.meta.ChunkIDs(ctx)
	if err != nil {
		return false, errors.New(errors.ErrCodeStorageIO, "list metadata chunk ids", err)
	}
	return len(metaIDs) == c.lexical.Count() && len(metaIDs) == c.vector.Count(), nil
}

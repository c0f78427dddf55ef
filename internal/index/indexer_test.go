package index

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/internal/embed"
	"github.com/chilleregeravi/agents/internal/errors"
	"github.com/chilleregeravi/agents/internal/store"
)

const testDims = 32

type testEnv struct {
	meta    *store.SQLiteStore
	lexical store.LexicalIndex
	vector  store.VectorStore
	epoch   *Epoch
	indexer *Indexer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	meta, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	lexical, err := store.NewBleveLexicalIndex("", store.DefaultLexicalConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = lexical.Close() })

	vector, err := store.NewHNSWStore(store.DefaultVectorConfig(testDims))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vector.Close() })

	epoch, err := LoadEpochCounter(ctx, meta)
	require.NoError(t, err)

	indexer, err := NewIndexer(meta, lexical, vector,
		embed.NewStaticEmbedder(testDims), epoch, Options{EmbedWorkers: 2, EmbedBatch: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = indexer.Close() })

	return &testEnv{meta: meta, lexical: lexical, vector: vector, epoch: epoch, indexer: indexer}
}

func makeChunks(t *testing.T, n int) []*corpus.Chunk {
	t.Helper()
	docID := uuid.New()
	chunks := make([]*corpus.Chunk, 0, n)
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("the quick brown fox ran lap number %d around the meadow", i)
		chunks = append(chunks, &corpus.Chunk{
			ChunkID:     corpus.ChunkIDFor(docID, i, text),
			DocID:       docID,
			CanonicalID: docID,
			TenantID:    corpus.DefaultTenant,
			Ordinal:     i,
			Text:        text,
			TokenCount:  10,
			Hash:        corpus.ChunkHash(docID, i, text),
			SourceURL:   "https://example.com/foxes",
			CollectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		})
	}
	return chunks
}

func TestUpsertIndexesBothBackends(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chunks := makeChunks(t, 3)
	result, err := env.indexer.Upsert(ctx, chunks)
	require.NoError(t, err)
	assert.Len(t, result.Indexed, 3)
	assert.Empty(t, result.Failed)
	assert.Equal(t, uint64(1), result.Epoch)

	assert.Equal(t, 3, env.lexical.Count())
	assert.Equal(t, 3, env.vector.Count())

	hits, err := env.lexical.Search(ctx, corpus.DefaultTenant, "quick brown fox", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestUpsertIdempotentUnderRedelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chunks := makeChunks(t, 3)
	_, err := env.indexer.Upsert(ctx, chunks)
	require.NoError(t, err)
	result, err := env.indexer.Upsert(ctx, chunks)
	require.NoError(t, err)

	// Redelivery lands on the same content-addressed ids.
	assert.Equal(t, 3, env.lexical.Count())
	assert.Equal(t, 3, env.vector.Count())
	assert.Equal(t, uint64(2), result.Epoch, "each committed batch bumps the epoch")
}

func TestUpsertEmptyBatch(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.indexer.Upsert(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Indexed)
	assert.Equal(t, uint64(0), result.Epoch)
	assert.Equal(t, uint64(0), env.epoch.Current())
}

func TestUpsertRecordsEmbeddingInfo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.indexer.Upsert(ctx, makeChunks(t, 1))
	require.NoError(t, err)

	dims, err := env.meta.GetState(ctx, store.StateKeyIndexDimension)
	require.NoError(t, err)
	assert.Equal(t, "32", dims)

	model, err := env.meta.GetState(ctx, store.StateKeyIndexModel)
	require.NoError(t, err)
	assert.Equal(t, "static-32", model)
}

// failingLexical rejects every write.
type failingLexical struct {
	store.LexicalIndex
}

func (f *failingLexical) Index(ctx context.Context, docs []*store.LexicalDoc) error {
	return fmt.Errorf("disk full")
}

func TestEpochUnchangedWhenLexicalWriteFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	broken, err := NewIndexer(env.meta, &failingLexical{LexicalIndex: env.lexical},
		env.vector, embed.NewStaticEmbedder(testDims), env.epoch, Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broken.Close() })

	chunks := makeChunks(t, 2)
	result, err := broken.Upsert(ctx, chunks)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeIndexFailed, errors.CodeOf(err))
	assert.Len(t, result.Failed, 2)
	assert.Equal(t, uint64(0), env.epoch.Current(), "a failed batch must not advance the epoch")
}

// failingEmbedder fails every batch.
type failingEmbedder struct {
	embed.Embedder
}

func (f *failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("model offline")
}

func TestAllEmbeddingsFailing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	broken, err := NewIndexer(env.meta, env.lexical, env.vector,
		&failingEmbedder{Embedder: embed.NewStaticEmbedder(testDims)},
		env.epoch, Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broken.Close() })

	chunks := makeChunks(t, 2)
	result, err := broken.Upsert(ctx, chunks)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEmbeddingFailed, errors.CodeOf(err))
	assert.Len(t, result.Failed, 2)
	assert.Empty(t, result.Indexed)
	assert.Equal(t, uint64(0), env.epoch.Current())
	assert.True(t, errors.IsRetryable(err), "embedding failures are retried before dead-lettering")
}

func TestEpochPersistsAcrossRestart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.epoch.Bump(ctx)
	require.NoError(t, err)
	_, err = env.epoch.Bump(ctx)
	require.NoError(t, err)

	restored, err := LoadEpochCounter(ctx, env.meta)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), restored.Current())
}

func TestReindexByID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chunks := makeChunks(t, 2)
	_, err := env.indexer.Upsert(ctx, chunks)
	require.NoError(t, err)

	// Simulate a lost vector write.
	require.NoError(t, env.vector.Delete(ctx, []string{chunks[0].ChunkID}))
	require.Equal(t, 1, env.vector.Count())

	require.NoError(t, env.indexer.Reindex(ctx, []string{chunks[0].ChunkID, "unknown-id"}))
	assert.Equal(t, 2, env.vector.Count())
	assert.True(t, env.vector.Contains(chunks[0].ChunkID))
}

package search

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/internal/embed"
	"github.com/chilleregeravi/agents/internal/errors"
	"github.com/chilleregeravi/agents/internal/index"
	"github.com/chilleregeravi/agents/internal/store"
)

const testDims = 32

type retrievalEnv struct {
	meta      *store.SQLiteStore
	indexer   *index.Indexer
	epoch     *index.Epoch
	retriever *Retriever
}

func newRetrievalEnv(t *testing.T) *retrievalEnv {
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

	embedder := embed.NewStaticEmbedder(testDims)

	epoch, err := index.LoadEpochCounter(ctx, meta)
	require.NoError(t, err)

	indexer, err := index.NewIndexer(meta, lexical, vector, embedder, epoch, index.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = indexer.Close() })

	retriever := NewRetriever(lexical, vector, embedder, meta, epoch, Options{}, nil)
	return &retrievalEnv{meta: meta, indexer: indexer, epoch: epoch, retriever: retriever}
}

type seedChunk struct {
	tenant    string
	text      string
	tags      []string
	published *time.Time
}

func (e *retrievalEnv) seed(t *testing.T, seeds []seedChunk) []*corpus.Chunk {
	t.Helper()
	chunks := make([]*corpus.Chunk, 0, len(seeds))
	for _, s := range seeds {
		docID := uuid.New()
		tenant := s.tenant
		if tenant == "" {
			tenant = corpus.DefaultTenant
		}
		chunks = append(chunks, &corpus.Chunk{
			ChunkID:     corpus.ChunkIDFor(docID, 0, s.text),
			DocID:       docID,
			CanonicalID: docID,
			TenantID:    tenant,
			Ordinal:     0,
			Text:        s.text,
			TokenCount:  len(s.text) / 5,
			Hash:        corpus.ChunkHash(docID, 0, s.text),
			Tags:        s.tags,
			SourceURL:   "https://example.com/" + docID.String(),
			CollectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			PublishedAt: s.published,
		})
	}
	_, err := e.indexer.Upsert(context.Background(), chunks)
	require.NoError(t, err)
	return chunks
}

func timePtr(t time.Time) *time.Time { return &t }

func defaultSeeds() []seedChunk {
	return []seedChunk{
		{text: "The quick brown fox jumps over the lazy dog in the meadow.",
			tags: []string{"foxes"}, published: timePtr(time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC))},
		{text: "Urban foxes hunt along hedgerows and gardens every evening.",
			tags: []string{"foxes"}, published: timePtr(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))},
		{text: "Quantum error correction protects logical qubits from decoherence.",
			tags: []string{"quantum"}},
		{tenant: "acme", text: "The acme fox report is visible to one tenant only.",
			tags: []string{"foxes"}},
	}
}

func TestRetrieveRanksRelevantFirst(t *testing.T) {
	env := newRetrievalEnv(t)
	env.seed(t, defaultSeeds())

	result, err := env.retriever.Retrieve(context.Background(), &corpus.Query{
		TenantID: corpus.DefaultTenant, Text: "quick brown fox", K: 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Results)
	assert.Contains(t, result.Results[0].Text, "quick brown fox")
	assert.Equal(t, env.epoch.Current(), result.Epoch)

	for _, r := range result.Results {
		assert.NotContains(t, r.Text, "acme", "tenant isolation must hold")
		assert.NotEmpty(t, r.Citation.SourceURL)
	}
}

func TestRetrieveUnknownTenantIsEmpty(t *testing.T) {
	env := newRetrievalEnv(t)
	env.seed(t, defaultSeeds())

	result, err := env.retriever.Retrieve(context.Background(), &corpus.Query{
		TenantID: "ghost", Text: "fox", K: 5,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Results)
}

func TestRetrieveRejectsInvalidQuery(t *testing.T) {
	env := newRetrievalEnv(t)

	_, err := env.retriever.Retrieve(context.Background(), &corpus.Query{Text: "fox", K: 5})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidQuery, errors.CodeOf(err))

	_, err = env.retriever.Retrieve(context.Background(), &corpus.Query{
		TenantID: corpus.DefaultTenant, Text: "fox", K: 0,
	})
	require.Error(t, err)
}

func TestRetrieveTagFilter(t *testing.T) {
	env := newRetrievalEnv(t)
	env.seed(t, defaultSeeds())

	result, err := env.retriever.Retrieve(context.Background(), &corpus.Query{
		TenantID: corpus.DefaultTenant, Text: "fox qubits", K: 10,
		Filters: corpus.Filters{Tags: []string{"quantum"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Contains(t, result.Results[0].Text, "Quantum")
}

func TestRetrievePublishedWindow(t *testing.T) {
	env := newRetrievalEnv(t)
	env.seed(t, defaultSeeds())

	after := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	result, err := env.retriever.Retrieve(context.Background(), &corpus.Query{
		TenantID: corpus.DefaultTenant, Text: "foxes hedgerows meadow", K: 10,
		Filters: corpus.Filters{PublishedAfter: &after},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 1, "older and undated chunks are excluded")
	assert.Contains(t, result.Results[0].Text, "quick brown fox")
}

func TestRetrieveFiltersBeforeTruncating(t *testing.T) {
	env := newRetrievalEnv(t)
	env.seed(t, defaultSeeds())

	// The quantum chunk ranks below the fox chunks for this query, but the
	// tag filter must still surface it within k=1.
	result, err := env.retriever.Retrieve(context.Background(), &corpus.Query{
		TenantID: corpus.DefaultTenant, Text: "fox fox fox qubits", K: 1,
		Filters: corpus.Filters{Tags: []string{"quantum"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Contains(t, result.Results[0].Text, "qubits")
}

func TestRetrieveDocIDFilter(t *testing.T) {
	env := newRetrievalEnv(t)
	chunks := env.seed(t, defaultSeeds())

	result, err := env.retriever.Retrieve(context.Background(), &corpus.Query{
		TenantID: corpus.DefaultTenant, Text: "fox", K: 10,
		Filters: corpus.Filters{DocIDs: []string{chunks[1].DocID.String()}},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, chunks[1].ChunkID, result.Results[0].ChunkID)
}

func TestRetrieveDeterministicAndCached(t *testing.T) {
	env := newRetrievalEnv(t)
	env.seed(t, defaultSeeds())

	q := &corpus.Query{TenantID: corpus.DefaultTenant, Text: "fox", K: 5}
	first, err := env.retriever.Retrieve(context.Background(), q)
	require.NoError(t, err)
	second, err := env.retriever.Retrieve(context.Background(), q)
	require.NoError(t, err)

	assert.Same(t, first, second, "identical query at the same epoch is served from cache")

	hits, misses := env.retriever.CacheStats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestRetrieveLargerKAfterSmallerK(t *testing.T) {
	env := newRetrievalEnv(t)
	env.seed(t, defaultSeeds())

	small, err := env.retriever.Retrieve(context.Background(), &corpus.Query{
		TenantID: corpus.DefaultTenant, Text: "fox", K: 1,
	})
	require.NoError(t, err)
	require.Len(t, small.Results, 1)

	// A cached answer for the same query at the same epoch must not pin
	// later requests to the first request's truncation.
	large, err := env.retriever.Retrieve(context.Background(), &corpus.Query{
		TenantID: corpus.DefaultTenant, Text: "fox", K: 10,
	})
	require.NoError(t, err)
	assert.Greater(t, len(large.Results), 1)
	assert.Equal(t, small.Results[0].ChunkID, large.Results[0].ChunkID)
}

func TestRetrieveUnaffectedByCallerCancellation(t *testing.T) {
	env := newRetrievalEnv(t)
	env.seed(t, defaultSeeds())

	// The collapsed execution is shared across callers, so one caller's
	// cancelled context must not poison it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := env.retriever.Retrieve(ctx, &corpus.Query{
		TenantID: corpus.DefaultTenant, Text: "quick brown fox", K: 3,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Results)
}

func TestRetrieveCacheInvalidatedByEpoch(t *testing.T) {
	env := newRetrievalEnv(t)
	env.seed(t, defaultSeeds())

	q := &corpus.Query{TenantID: corpus.DefaultTenant, Text: "wolverine sightings", K: 5}
	first, err := env.retriever.Retrieve(context.Background(), q)
	require.NoError(t, err)

	env.seed(t, []seedChunk{{text: "Wolverine sightings reported in the northern forest."}})

	second, err := env.retriever.Retrieve(context.Background(), q)
	require.NoError(t, err)
	assert.Greater(t, second.Epoch, first.Epoch)
	require.NotEmpty(t, second.Results)
	assert.Contains(t, second.Results[0].Text, "Wolverine")
}

func TestRetrieveCapsK(t *testing.T) {
	env := newRetrievalEnv(t)
	env.seed(t, defaultSeeds())

	small := NewRetriever(env.retriever.lexical, env.retriever.vector,
		env.retriever.embedder, env.meta, env.epoch, Options{MaxK: 1}, nil)
	result, err := small.Retrieve(context.Background(), &corpus.Query{
		TenantID: corpus.DefaultTenant, Text: "fox", K: 10,
	})
	require.NoError(t, err)
	assert.Len(t, result.Results, 1)
}

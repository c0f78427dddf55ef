package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chilleregeravi/agents/internal/bus"
	"github.com/chilleregeravi/agents/internal/chunk"
	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/internal/dedupe"
	"github.com/chilleregeravi/agents/internal/embed"
	"github.com/chilleregeravi/agents/internal/index"
	"github.com/chilleregeravi/agents/internal/search"
	"github.com/chilleregeravi/agents/internal/store"
)

const testDims = 32

type pipelineEnv struct {
	bus       *bus.MemoryBus
	meta      *store.SQLiteStore
	epoch     *index.Epoch
	ingestor  *Ingestor
	retriever *search.Retriever
	analyses  chan corpus.AnalysisReady
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
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

	deduper := dedupe.New(meta, dedupe.Config{Kind: corpus.FingerprintSimHash})
	chunker := chunk.New(chunk.Options{WindowTokens: 64, OverlapTokens: 8, BoundarySlack: 8},
		[]chunk.Enricher{&chunk.KeywordEnricher{MaxTags: 5}}, nil)

	b := bus.NewMemoryBus(bus.MemoryBusConfig{Partitions: 4, MaxDeliveries: 3})
	t.Cleanup(func() { _ = b.Close() })

	p := New(b, deduper, chunker, indexer, nil)
	require.NoError(t, p.Start())

	analyses := make(chan corpus.AnalysisReady, 64)
	require.NoError(t, b.Subscribe(bus.TopicAnalysisReady, func(ctx context.Context, ev bus.Envelope) error {
		var a corpus.AnalysisReady
		if err := ev.Decode(&a); err != nil {
			return err
		}
		analyses <- a
		return nil
	}))

	retriever := search.NewRetriever(lexical, vector, embedder, meta, epoch, search.Options{}, nil)
	return &pipelineEnv{
		bus:       b,
		meta:      meta,
		epoch:     epoch,
		ingestor:  NewIngestor(b, nil),
		retriever: retriever,
		analyses:  analyses,
	}
}

func normalizedDoc(url, text string) *corpus.NormalizedDocument {
	sum := sha256.Sum256([]byte(text))
	return &corpus.NormalizedDocument{
		DocID:       uuid.New(),
		URL:         url,
		Text:        text,
		Language:    "en",
		Hash:        hex.EncodeToString(sum[:]),
		CollectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (e *pipelineEnv) waitForAnalyses(t *testing.T, n int) []corpus.AnalysisReady {
	t.Helper()
	got := make([]corpus.AnalysisReady, 0, n)
	deadline := time.After(10 * time.Second)
	for len(got) < n {
		select {
		case a := <-e.analyses:
			got = append(got, a)
		case <-deadline:
			t.Fatalf("timed out waiting for analysis events: got %d of %d", len(got), n)
		}
	}
	return got
}

const foxText = "The quick brown fox jumps over the lazy dog. Foxes hunt along " +
	"hedgerows and gardens every evening, slipping through fences with ease."

const quantumText = "Quantum error correction protects logical qubits from " +
	"decoherence. Surface codes spread quantum information across many physical qubits."

func TestEndToEndIngestToRetrieve(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ingestor.Publish(ctx, normalizedDoc("https://example.com/foxes", foxText)))
	require.NoError(t, env.ingestor.Publish(ctx, normalizedDoc("https://example.com/quantum", quantumText)))

	analyses := env.waitForAnalyses(t, 2)
	for _, a := range analyses {
		assert.NotEmpty(t, a.ChunkIDs)
		assert.Greater(t, a.Epoch, uint64(0))
	}

	result, err := env.retriever.Retrieve(ctx, &corpus.Query{
		TenantID: corpus.DefaultTenant, Text: "quick brown fox", K: 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Results)
	assert.Contains(t, result.Results[0].Text, "quick brown fox")
	assert.Equal(t, "https://example.com/foxes", result.Results[0].Citation.SourceURL)

	docs, canonical, chunks, err := env.meta.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, docs)
	assert.Equal(t, 2, canonical)
	assert.Equal(t, 2, chunks)
}

func TestNearDuplicateNeverReachesIndex(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	original := normalizedDoc("https://example.com/foxes", foxText)
	nearDup := normalizedDoc("https://mirror.example.org/foxes", foxText+" Extra trailing line.")

	require.NoError(t, env.ingestor.Publish(ctx, original))
	env.waitForAnalyses(t, 1)
	require.NoError(t, env.ingestor.Publish(ctx, nearDup))

	// The duplicate produces no analysis event; wait for its decision to
	// land in the metadata store instead.
	require.Eventually(t, func() bool {
		docs, _, _, err := env.meta.Counts(ctx)
		return err == nil && docs == 2
	}, 10*time.Second, 20*time.Millisecond)

	docs, canonical, chunks, err := env.meta.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, docs)
	assert.Equal(t, 1, canonical, "near-duplicate must not become canonical")
	assert.Equal(t, 1, chunks, "only the canonical document is chunked")

	dup, err := env.meta.GetDocument(ctx, nearDup.DocID)
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, original.DocID, dup.CanonicalID)
}

func TestInvalidDocumentDeadLetters(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	bad := normalizedDoc("https://example.com/bad", "some text")
	bad.URL = ""
	require.NoError(t, env.ingestor.Publish(ctx, bad))

	require.Eventually(t, func() bool {
		return len(env.bus.DeadLetters(bus.TopicDocNormalized)) == 1
	}, 10*time.Second, 20*time.Millisecond)

	stats := env.bus.Stats()
	assert.Equal(t, uint64(1), stats.DeadLettered)
	assert.Equal(t, uint64(0), stats.Redelivered, "validation failures are never retried")
}

func TestRedeliveredDocumentIndexedOnce(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	doc := normalizedDoc("https://example.com/foxes", foxText)
	require.NoError(t, env.ingestor.Publish(ctx, doc))
	env.waitForAnalyses(t, 1)

	// Publishing the same doc_id again simulates upstream redelivery.
	require.NoError(t, env.ingestor.Publish(ctx, doc))
	require.Eventually(t, func() bool {
		return env.bus.Stats().Acked >= 5
	}, 10*time.Second, 20*time.Millisecond)

	_, _, chunks, err := env.meta.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, chunks)
}

func TestSpoolWatcherIngestsDroppedFiles(t *testing.T) {
	env := newPipelineEnv(t)
	dir := t.TempDir()

	watcher := NewSpoolWatcher(dir, env.ingestor, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = watcher.Run(ctx)
	}()

	doc := normalizedDoc("https://example.com/spooled", foxText)
	payload, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "doc-1.json")
	require.NoError(t, os.WriteFile(path, payload, 0644))

	env.waitForAnalyses(t, 1)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path + ".done")
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

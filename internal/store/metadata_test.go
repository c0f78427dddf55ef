package store

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chilleregeravi/agents/internal/corpus"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDocument(url string) *corpus.Document {
	id := uuid.New()
	hash := sha256.Sum256([]byte(url))
	return &corpus.Document{
		DocID:        id,
		TenantID:     corpus.DefaultTenant,
		URL:          url,
		CanonicalURL: url,
		CanonicalID:  id,
		ContentHash:  hash[:],
		Language:     "en",
		CollectedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestUpsertDocumentIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testDocument("https://example.com/a")
	first, err := s.UpsertDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, doc.DocID, first.DocID)
	assert.Equal(t, doc.CanonicalID, first.CanonicalID)

	// A retry with a different canonical decision loses: the stored row
	// wins.
	retry := *doc
	retry.CanonicalID = uuid.New()
	second, err := s.UpsertDocument(ctx, &retry)
	require.NoError(t, err)
	assert.Equal(t, doc.CanonicalID, second.CanonicalID, "canonical_id never changes once assigned")
}

func TestGetDocumentUnknownReturnsNil(t *testing.T) {
	s := newTestStore(t)
	doc, err := s.GetDocument(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestFindDocumentByURLEarliestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	later := testDocument("https://example.com/shared")
	later.CollectedAt = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	earlier := testDocument("https://example.com/shared")
	earlier.CollectedAt = time.Date(2026, 3, 1, 0, 0, 0, 500, time.UTC)

	_, err := s.UpsertDocument(ctx, later)
	require.NoError(t, err)
	_, err = s.UpsertDocument(ctx, earlier)
	require.NoError(t, err)

	found, err := s.FindDocumentByURL(ctx, "https://example.com/shared")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, earlier.DocID, found.DocID)
}

func TestFingerprintRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testDocument("https://example.com/fp")
	_, err := s.UpsertDocument(ctx, doc)
	require.NoError(t, err)

	fp := &corpus.Fingerprint{
		DocID:     doc.DocID,
		Kind:      corpus.FingerprintSimHash,
		Signature: []uint64{0xdeadbeefcafe1234},
		CreatedAt: doc.CollectedAt,
	}
	require.NoError(t, s.SaveFingerprint(ctx, fp))
	// Redundant save is ignored, not an error.
	require.NoError(t, s.SaveFingerprint(ctx, fp))

	entries, err := s.ListCanonicalSignatures(ctx, corpus.FingerprintSimHash)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, doc.DocID, entries[0].DocID)
	assert.Equal(t, []uint64{0xdeadbeefcafe1234}, entries[0].Signature)
	assert.True(t, entries[0].CollectedAt.Equal(doc.CollectedAt))
}

func TestListCanonicalSignaturesSkipsDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	canonical := testDocument("https://example.com/canon")
	dup := testDocument("https://example.com/dup")
	dup.CanonicalID = canonical.DocID

	_, err := s.UpsertDocument(ctx, canonical)
	require.NoError(t, err)
	_, err = s.UpsertDocument(ctx, dup)
	require.NoError(t, err)

	for _, d := range []*corpus.Document{canonical, dup} {
		require.NoError(t, s.SaveFingerprint(ctx, &corpus.Fingerprint{
			DocID: d.DocID, Kind: corpus.FingerprintSimHash,
			Signature: []uint64{1}, CreatedAt: d.CollectedAt,
		}))
	}

	entries, err := s.ListCanonicalSignatures(ctx, corpus.FingerprintSimHash)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only canonical documents feed the LSH index")
	assert.Equal(t, canonical.DocID, entries[0].DocID)
}

func TestChunkRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	published := time.Date(2026, 2, 15, 9, 30, 0, 0, time.UTC)
	docID := uuid.New()
	ch := &corpus.Chunk{
		ChunkID:     corpus.ChunkIDFor(docID, 0, "chunk text"),
		DocID:       docID,
		CanonicalID: docID,
		TenantID:    "acme",
		Ordinal:     0,
		Text:        "chunk text",
		TokenCount:  2,
		Hash:        corpus.ChunkHash(docID, 0, "chunk text"),
		Tags:        []string{"chunk", "text"},
		SourceURL:   "https://example.com/doc",
		CollectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		PublishedAt: &published,
	}

	require.NoError(t, s.SaveChunks(ctx, []*corpus.Chunk{ch}))
	// Replaying the same chunk rewrites identical data.
	require.NoError(t, s.SaveChunks(ctx, []*corpus.Chunk{ch}))

	got, err := s.GetChunk(ctx, ch.ChunkID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ch.Text, got.Text)
	assert.Equal(t, ch.Tags, got.Tags)
	assert.Equal(t, ch.Hash, got.Hash)
	require.NotNil(t, got.PublishedAt)
	assert.True(t, got.PublishedAt.Equal(published))

	ids, err := s.ChunkIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ch.ChunkID}, ids)
}

func TestGetChunksPreservesInputOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID := uuid.New()
	var want []string
	var chunks []*corpus.Chunk
	for i := 0; i < 3; i++ {
		text := string(rune('a' + i))
		ch := &corpus.Chunk{
			ChunkID:     corpus.ChunkIDFor(docID, i, text),
			DocID:       docID,
			CanonicalID: docID,
			TenantID:    corpus.DefaultTenant,
			Ordinal:     i,
			Text:        text,
			TokenCount:  1,
			Hash:        corpus.ChunkHash(docID, i, text),
			SourceURL:   "https://example.com",
			CollectedAt: time.Now(),
		}
		chunks = append(chunks, ch)
		want = append(want, ch.ChunkID)
	}
	require.NoError(t, s.SaveChunks(ctx, chunks))

	// Request in reverse, expect reverse back, with an unknown id skipped.
	request := []string{want[2], "missing", want[0]}
	got, err := s.GetChunks(ctx, request)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, want[2], got[0].ChunkID)
	assert.Equal(t, want[0], got[1].ChunkID)
}

func TestStateAndEpoch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	val, err := s.GetState(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", val)

	require.NoError(t, s.SetState(ctx, StateKeyIndexModel, "static-384"))
	val, err = s.GetState(ctx, StateKeyIndexModel)
	require.NoError(t, err)
	assert.Equal(t, "static-384", val)

	epoch, err := s.LoadEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), epoch)

	require.NoError(t, s.SaveEpoch(ctx, 42))
	epoch, err = s.LoadEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), epoch)
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	canonical := testDocument("https://example.com/one")
	dup := testDocument("https://example.com/two")
	dup.CanonicalID = canonical.DocID
	_, err := s.UpsertDocument(ctx, canonical)
	require.NoError(t, err)
	_, err = s.UpsertDocument(ctx, dup)
	require.NoError(t, err)

	docs, canon, chunks, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, docs)
	assert.Equal(t, 1, canon)
	assert.Equal(t, 0, chunks)
}

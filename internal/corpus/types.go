// Package corpus defines the shared data model for the document research
// core: documents, fingerprints, chunks, queries, and the event payloads
// exchanged between pipeline stages.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultTenant is assigned to documents whose normalized event carries no
// tenant. Retrieval for an unknown tenant returns empty results, not an error.
const DefaultTenant = "default"

// FingerprintKind selects the similarity signature algorithm.
type FingerprintKind string

const (
	// FingerprintSimHash is a 64-bit SimHash over token shingles. Fast,
	// Hamming-distance comparable.
	FingerprintSimHash FingerprintKind = "simhash"
	// FingerprintMinHash is a 128-permutation MinHash signature. Slower,
	// better Jaccard estimates.
	FingerprintMinHash FingerprintKind = "minhash"
)

// NormalizedDocument is the input handed to the core by the extraction and
// normalization collaborator (topic doc.normalized).
type NormalizedDocument struct {
	DocID       uuid.UUID  `json:"doc_id"`
	TenantID    string     `json:"tenant_id,omitempty"`
	URL         string     `json:"url"`
	Text        string     `json:"text"`
	Language    string     `json:"language"`
	Hash        string     `json:"hash"` // hex sha256 of normalized text
	CollectedAt time.Time  `json:"collected_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Validate checks the fields the pipeline cannot repair. Failing documents
// are dropped to the dead-letter path, never retried.
func (d *NormalizedDocument) Validate() error {
	if d.DocID == uuid.Nil {
		return fmt.Errorf("doc_id is required")
	}
	if d.URL == "" {
		return fmt.Errorf("url is required")
	}
	if d.Text == "" {
		return fmt.Errorf("text is empty")
	}
	if d.CollectedAt.IsZero() {
		return fmt.Errorf("collected_at is required")
	}
	return nil
}

// Tenant returns the effective tenant id.
func (d *NormalizedDocument) Tenant() string {
	if d.TenantID == "" {
		return DefaultTenant
	}
	return d.TenantID
}

// Document is a tracked document. CanonicalID resolves to exactly one
// surviving document (possibly itself) and never changes once assigned;
// reassignment would invalidate already-issued citations.
type Document struct {
	DocID        uuid.UUID
	TenantID     string
	URL          string
	CanonicalURL string
	CanonicalID  uuid.UUID
	ContentHash  []byte
	Language     string
	CollectedAt  time.Time
	PublishedAt  *time.Time
}

// IsCanonical reports whether the document survived dedup as its own
// canonical representative.
func (d *Document) IsCanonical() bool {
	return d.CanonicalID == d.DocID
}

// Fingerprint is an append-only similarity signature for a document.
// Exactly one fingerprint exists per (doc_id, kind).
type Fingerprint struct {
	DocID     uuid.UUID
	Kind      FingerprintKind
	Signature []uint64
	CreatedAt time.Time
}

// Chunk is the unit of indexing and retrieval: a token-bounded slice of a
// document's text with provenance carried along for citations.
//
// Chunks of a document are contiguous and non-overlapping in Ordinal, though
// their text spans may overlap. ChunkID and Hash are content-addressed so
// re-chunking the same document reproduces them byte for byte.
type Chunk struct {
	ChunkID     string
	DocID       uuid.UUID
	CanonicalID uuid.UUID
	TenantID    string
	Ordinal     int
	Text        string
	TokenCount  int
	Hash        []byte
	Tags        []string
	SourceURL   string
	CollectedAt time.Time
	PublishedAt *time.Time
}

// ChunkHash computes the content hash for a chunk: sha256 over the doc id,
// ordinal, and text. Identical (doc_id, ordinal, text) always yields an
// identical hash, which makes re-indexing idempotent under redelivery.
func ChunkHash(docID uuid.UUID, ordinal int, text string) []byte {
	h := sha256.New()
	h.Write([]byte(docID.String()))
	h.Write([]byte(":"))
	h.Write([]byte(strconv.Itoa(ordinal)))
	h.Write([]byte(":"))
	h.Write([]byte(text))
	return h.Sum(nil)
}

// ChunkIDFor derives the deterministic chunk id from the content hash.
// The first 16 bytes of the digest are enough to make collisions negligible
// while keeping ids short in logs and postings.
func ChunkIDFor(docID uuid.UUID, ordinal int, text string) string {
	sum := ChunkHash(docID, ordinal, text)
	return hex.EncodeToString(sum[:16])
}

// Filters restricts retrieval candidates. All present conditions must hold.
type Filters struct {
	// Tags requires every listed tag to be present on the chunk.
	Tags []string `json:"tags,omitempty"`
	// PublishedAfter excludes chunks published at or before this instant.
	PublishedAfter *time.Time `json:"published_after,omitempty"`
	// PublishedBefore excludes chunks published at or after this instant.
	PublishedBefore *time.Time `json:"published_before,omitempty"`
	// DocIDs restricts results to chunks of the listed documents
	// (canonical or raw doc ids both match).
	DocIDs []string `json:"doc_ids,omitempty"`
}

// IsZero reports whether no filter conditions are set.
func (f Filters) IsZero() bool {
	return len(f.Tags) == 0 && f.PublishedAfter == nil &&
		f.PublishedBefore == nil && len(f.DocIDs) == 0
}

// CanonicalString renders the filters in a stable order for cache keys.
func (f Filters) CanonicalString() string {
	tags := append([]string(nil), f.Tags...)
	sort.Strings(tags)
	ids := append([]string(nil), f.DocIDs...)
	sort.Strings(ids)

	var after, before string
	if f.PublishedAfter != nil {
		after = f.PublishedAfter.UTC().Format(time.RFC3339Nano)
	}
	if f.PublishedBefore != nil {
		before = f.PublishedBefore.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("tags=%v|after=%s|before=%s|docs=%v", tags, after, before, ids)
}

// Query is a retrieval request.
type Query struct {
	TenantID string  `json:"tenant_id"`
	Text     string  `json:"query"`
	K        int     `json:"k"`
	Filters  Filters `json:"filters"`
}

// Validate rejects queries the retriever cannot serve. An unknown tenant is
// not a validation error; it yields empty results downstream.
func (q *Query) Validate() error {
	if q.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if q.Text == "" {
		return fmt.Errorf("query text is required")
	}
	if q.K <= 0 {
		return fmt.Errorf("k must be positive, got %d", q.K)
	}
	return nil
}

// Citation points a ranked chunk back at its source.
type Citation struct {
	SourceURL   string     `json:"source_url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// RankedChunk is a single retrieval hit.
type RankedChunk struct {
	ChunkID  string   `json:"chunk_id"`
	Text     string   `json:"text"`
	Score    float64  `json:"score"`
	Citation Citation `json:"citation"`
}

// RetrievalResult is the ordered answer to a Query: descending by score,
// at most K entries, deterministic for a fixed corpus epoch.
type RetrievalResult struct {
	Epoch   uint64        `json:"epoch"`
	Results []RankedChunk `json:"results"`
}

// KeptDocument is the doc.kept event payload: a normalized document that
// survived dedup, plus the canonical assignment chunking must carry along.
type KeptDocument struct {
	Document    NormalizedDocument `json:"document"`
	CanonicalID uuid.UUID          `json:"canonical_id"`
}

// ChunkReady is the chunks.ready event payload, one event per chunk.
type ChunkReady struct {
	ChunkID     string     `json:"chunk_id"`
	DocID       uuid.UUID  `json:"doc_id"`
	CanonicalID uuid.UUID  `json:"canonical_id"`
	TenantID    string     `json:"tenant_id"`
	Ordinal     int        `json:"ordinal"`
	Text        string     `json:"text"`
	TokenCount  int        `json:"token_count"`
	Hash        string     `json:"hash"` // hex sha256
	Tags        []string   `json:"tags,omitempty"`
	SourceURL   string     `json:"source_url"`
	CollectedAt time.Time  `json:"collected_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// ToChunk converts the event payload back into the domain type.
func (c *ChunkReady) ToChunk() (*Chunk, error) {
	hash, err := hex.DecodeString(c.Hash)
	if err != nil {
		return nil, fmt.Errorf("invalid chunk hash: %w", err)
	}
	return &Chunk{
		ChunkID:     c.ChunkID,
		DocID:       c.DocID,
		CanonicalID: c.CanonicalID,
		TenantID:    c.TenantID,
		Ordinal:     c.Ordinal,
		Text:        c.Text,
		TokenCount:  c.TokenCount,
		Hash:        hash,
		Tags:        c.Tags,
		SourceURL:   c.SourceURL,
		CollectedAt: c.CollectedAt,
		PublishedAt: c.PublishedAt,
	}, nil
}

// ChunkReadyFrom builds the event payload for a chunk.
func ChunkReadyFrom(ch *Chunk) *ChunkReady {
	return &ChunkReady{
		ChunkID:     ch.ChunkID,
		DocID:       ch.DocID,
		CanonicalID: ch.CanonicalID,
		TenantID:    ch.TenantID,
		Ordinal:     ch.Ordinal,
		Text:        ch.Text,
		TokenCount:  ch.TokenCount,
		Hash:        hex.EncodeToString(ch.Hash),
		Tags:        ch.Tags,
		SourceURL:   ch.SourceURL,
		CollectedAt: ch.CollectedAt,
		PublishedAt: ch.PublishedAt,
	}
}

// AnalysisReady is published after an index batch commits. Downstream report
// agents consume it to know which chunks became visible at which epoch.
type AnalysisReady struct {
	Epoch    uint64   `json:"epoch"`
	ChunkIDs []string `json:"chunk_ids"`
}

// DedupeDecision records the outcome of deduplication for a document.
type DedupeDecision struct {
	DocID       uuid.UUID `json:"doc_id"`
	Kept        bool      `json:"kept"`
	CanonicalID uuid.UUID `json:"canonical_id"`
}

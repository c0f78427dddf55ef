package chunk

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/internal/errors"
)

// Chunker splits kept documents into content-addressed chunks and runs the
// configured enrichers over each one.
//
// Chunking is deterministic end to end: chunk ids and hashes derive from
// (doc_id, ordinal, text) only, so a redelivered document regenerates
// byte-identical chunks and downstream indexing stays idempotent.
type Chunker struct {
	opts      Options
	enrichers []Enricher
	logger    *slog.Logger
}

// New creates a chunker. Enrichers run in the given order per chunk.
func New(opts Options, enrichers []Enricher, logger *slog.Logger) *Chunker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chunker{opts: opts.withDefaults(), enrichers: enrichers, logger: logger}
}

// Split chunks a kept document. canonicalID is the dedup outcome carried
// along so citations can group near-duplicates.
//
// A document at or under the window size yields exactly one chunk with
// ordinal 0.
func (c *Chunker) Split(ctx context.Context, doc *corpus.NormalizedDocument, canonicalID uuid.UUID) ([]*corpus.Chunk, error) {
	if err := doc.Validate(); err != nil {
		return nil, errors.New(errors.ErrCodeInvalidDocument, err.Error(), err)
	}
	if canonicalID == uuid.Nil {
		canonicalID = doc.DocID
	}

	pieces := split(doc.Text, c.opts)
	chunks := make([]*corpus.Chunk, 0, len(pieces))
	for ordinal, p := range pieces {
		ch := &corpus.Chunk{
			ChunkID:     corpus.ChunkIDFor(doc.DocID, ordinal, p.text),
			DocID:       doc.DocID,
			CanonicalID: canonicalID,
			TenantID:    doc.Tenant(),
			Ordinal:     ordinal,
			Text:        p.text,
			TokenCount:  p.tokenCount,
			Hash:        corpus.ChunkHash(doc.DocID, ordinal, p.text),
			SourceURL:   doc.URL,
			CollectedAt: doc.CollectedAt,
			PublishedAt: doc.PublishedAt,
		}
		for _, e := range c.enrichers {
			if err := e.Enrich(ctx, ch); err != nil {
				return nil, errors.New(errors.ErrCodeChunkingFailed,
					"enricher "+e.Name()+" failed", err)
			}
		}
		chunks = append(chunks, ch)
	}

	c.logger.Debug("document_chunked",
		slog.String("doc_id", doc.DocID.String()),
		slog.Int("chunks", len(chunks)))
	return chunks, nil
}

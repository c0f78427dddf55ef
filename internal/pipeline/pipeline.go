// Package pipeline wires the ingestion stages together over the event bus:
// doc.normalized through dedup, chunking, and indexing to analysis.ready.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/chilleregeravi/agents/internal/bus"
	"github.com/chilleregeravi/agents/internal/chunk"
	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/internal/dedupe"
	"github.com/chilleregeravi/agents/internal/errors"
	"github.com/chilleregeravi/agents/internal/index"
)

// Pipeline subscribes the three stage consumers to their topics. Each stage
// is idempotent under redelivery, so the bus's at-least-once contract is
// enough for exactly-once effects.
type Pipeline struct {
	bus     bus.Bus
	deduper *dedupe.Deduper
	chunker *chunk.Chunker
	indexer *index.Indexer
	logger  *slog.Logger
}

// New creates a pipeline over already-constructed stages.
func New(b bus.Bus, deduper *dedupe.Deduper, chunker *chunk.Chunker,
	indexer *index.Indexer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{bus: b, deduper: deduper, chunker: chunker, indexer: indexer, logger: logger}
}

// Start registers the stage consumers. Subscriptions must be in place
// before the first document is published.
func (p *Pipeline) Start() error {
	if err := p.bus.Subscribe(bus.TopicDocNormalized, p.handleNormalized); err != nil {
		return err
	}
	if err := p.bus.Subscribe(bus.TopicDocKept, p.handleKept); err != nil {
		return err
	}
	return p.bus.Subscribe(bus.TopicChunksReady, p.handleChunkReady)
}

// handleNormalized runs dedup and forwards kept documents. Duplicates are
// acknowledged and go no further; their decision is already durable in the
// metadata store.
func (p *Pipeline) handleNormalized(ctx context.Context, ev bus.Envelope) error {
	var doc corpus.NormalizedDocument
	if err := ev.Decode(&doc); err != nil {
		// Malformed payloads dead-letter immediately; retrying cannot fix
		// them.
		return errors.ValidationError("malformed doc.normalized payload", err)
	}

	decision, err := p.deduper.Dedupe(ctx, &doc)
	if err != nil {
		return err
	}
	if !decision.Kept {
		p.logger.Debug("duplicate_dropped",
			slog.String("doc_id", decision.DocID.String()),
			slog.String("canonical_id", decision.CanonicalID.String()))
		return nil
	}

	kept := corpus.KeptDocument{Document: doc, CanonicalID: decision.CanonicalID}
	out, err := bus.NewEnvelope(bus.TopicDocKept, doc.DocID.String(), kept)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, bus.TopicDocKept, out)
}

// handleKept chunks a kept document and emits one chunks.ready event per
// chunk, keyed by doc id so a document's chunks stay ordered.
func (p *Pipeline) handleKept(ctx context.Context, ev bus.Envelope) error {
	var kept corpus.KeptDocument
	if err := ev.Decode(&kept); err != nil {
		return errors.ValidationError("malformed doc.kept payload", err)
	}

	chunks, err := p.chunker.Split(ctx, &kept.Document, kept.CanonicalID)
	if err != nil {
		return err
	}
	for _, ch := range chunks {
		out, err := bus.NewEnvelope(bus.TopicChunksReady, ch.DocID.String(), corpus.ChunkReadyFrom(ch))
		if err != nil {
			return err
		}
		if err := p.bus.Publish(ctx, bus.TopicChunksReady, out); err != nil {
			return err
		}
	}
	return nil
}

// handleChunkReady indexes one chunk and announces the commit. Re-indexing
// a redelivered chunk overwrites the same content-addressed id.
func (p *Pipeline) handleChunkReady(ctx context.Context, ev bus.Envelope) error {
	var ready corpus.ChunkReady
	if err := ev.Decode(&ready); err != nil {
		return errors.ValidationError("malformed chunks.ready payload", err)
	}
	ch, err := ready.ToChunk()
	if err != nil {
		return errors.ValidationError("invalid chunk payload", err)
	}

	result, err := p.indexer.Upsert(ctx, []*corpus.Chunk{ch})
	if err != nil {
		return err
	}

	announce := corpus.AnalysisReady{Epoch: result.Epoch, ChunkIDs: result.Indexed}
	out, err := bus.NewEnvelope(bus.TopicAnalysisReady, ch.DocID.String(), announce)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, bus.TopicAnalysisReady, out)
}

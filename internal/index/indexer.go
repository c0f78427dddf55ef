// Package index writes chunk batches into the lexical and vector indexes,
// keeps the two consistent with the metadata store, and advances the corpus
// epoch after every committed batch.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/internal/embed"
	"github.com/chilleregeravi/agents/internal/errors"
	"github.com/chilleregeravi/agents/internal/store"
)

// MetaStore is the slice of the metadata store the indexer needs.
type MetaStore interface {
	SaveChunks(ctx context.Context, chunks []*corpus.Chunk) error
	GetChunks(ctx context.Context, ids []string) ([]*corpus.Chunk, error)
	ChunkIDs(ctx context.Context) ([]string, error)
	SetState(ctx context.Context, key, value string) error
}

var (
	_ MetaStore  = (*store.SQLiteStore)(nil)
	_ EpochStore = (*store.SQLiteStore)(nil)
)

// Options tunes the embedding stage of the indexer.
type Options struct {
	// EmbedWorkers is the worker pool size for embedding computation.
	EmbedWorkers int
	// EmbedBatch is how many chunks are embedded per worker task.
	EmbedBatch int
}

func (o Options) withDefaults() Options {
	if o.EmbedWorkers <= 0 {
		o.EmbedWorkers = runtime.NumCPU()
	}
	if o.EmbedBatch <= 0 {
		o.EmbedBatch = 32
	}
	return o
}

// UpsertResult reports what a batch commit did. Failed chunk ids are safe to
// redeliver: chunk ids are content-addressed, so a retried chunk lands in
// the same place.
type UpsertResult struct {
	Indexed []string
	Failed  []string
	Epoch   uint64
}

// Indexer maintains the dual lexical/vector index over chunks.
//
// A batch commits in a fixed order: chunk rows to the metadata store first,
// then vectors, then lexical postings, then the epoch bump. The metadata
// store is the source of truth, so a crash between stages leaves at worst
// missing index entries, which the consistency checker can rebuild. The
// epoch advances only when both index writes succeeded.
type Indexer struct {
	meta     MetaStore
	lexical  store.LexicalIndex
	vector   store.VectorStore
	embedder embed.Embedder
	epoch    *Epoch
	opts     Options
	pool     *ants.Pool
	logger   *slog.Logger
}

// NewIndexer creates an indexer with its embedding worker pool.
func NewIndexer(meta MetaStore, lexical store.LexicalIndex, vector store.VectorStore,
	embedder embed.Embedder, epoch *Epoch, opts Options, logger *slog.Logger) (*Indexer, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := ants.NewPool(opts.EmbedWorkers)
	if err != nil {
		return nil, fmt.Errorf("create embed pool: %w", err)
	}
	return &Indexer{
		meta:     meta,
		lexical:  lexical,
		vector:   vector,
		embedder: embedder,
		epoch:    epoch,
		opts:     opts,
		pool:     pool,
		logger:   logger,
	}, nil
}

// Upsert commits a chunk batch. The returned result is valid even when err
// is non-nil: chunks that failed embedding are listed in Failed while the
// rest of the batch still commits and bumps the epoch.
func (ix *Indexer) Upsert(ctx context.Context, chunks []*corpus.Chunk) (*UpsertResult, error) {
	result := &UpsertResult{Epoch: ix.epoch.Current()}
	if len(chunks) == 0 {
		return result, nil
	}

	if err := ix.meta.SaveChunks(ctx, chunks); err != nil {
		for _, ch := range chunks {
			result.Failed = append(result.Failed, ch.ChunkID)
		}
		return result, errors.New(errors.ErrCodeStorageIO, "persist chunk batch", err)
	}

	vectors, failed := ix.embedAll(ctx, chunks)
	result.Failed = failed

	ids := make([]string, 0, len(chunks))
	liveVectors := make([][]float32, 0, len(chunks))
	docs := make([]*store.LexicalDoc, 0, len(chunks))
	for i, ch := range chunks {
		if vectors[i] == nil {
			continue
		}
		ids = append(ids, ch.ChunkID)
		liveVectors = append(liveVectors, vectors[i])
		docs = append(docs, &store.LexicalDoc{
			ID:       ch.ChunkID,
			TenantID: ch.TenantID,
			Content:  ch.Text,
		})
	}
	if len(ids) == 0 {
		return result, errors.New(errors.ErrCodeEmbeddingFailed,
			"every chunk in the batch failed embedding", nil).
			WithDetail("chunk_ids", strings.Join(result.Failed, ","))
	}

	if err := ix.vector.Add(ctx, ids, liveVectors); err != nil {
		result.Failed = append(result.Failed, ids...)
		return result, errors.New(errors.ErrCodeIndexFailed, "vector index write", err)
	}
	if err := ix.lexical.Index(ctx, docs); err != nil {
		// The vectors are already in; the consistency checker will see the
		// gap as missing lexical entries and repair from the metadata store.
		result.Failed = append(result.Failed, ids...)
		return result, errors.New(errors.ErrCodeIndexFailed, "lexical index write", err)
	}
	result.Indexed = ids

	ix.recordEmbeddingInfo(ctx)

	epoch, err := ix.epoch.Bump(ctx)
	if err != nil {
		return result, errors.New(errors.ErrCodeStorageIO, "persist epoch", err)
	}
	result.Epoch = epoch

	ix.logger.Info("index_batch_committed",
		slog.Int("indexed", len(result.Indexed)),
		slog.Int("failed", len(result.Failed)),
		slog.Uint64("epoch", epoch))

	if len(result.Failed) > 0 {
		return result, errors.New(errors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("%d of %d chunks failed embedding", len(result.Failed), len(chunks)), nil).
			WithDetail("chunk_ids", strings.Join(result.Failed, ","))
	}
	return result, nil
}

// Reindex re-commits chunks by id from the metadata store. Unknown ids are
// skipped, which lets the consistency checker hand over whatever it found.
func (ix *Indexer) Reindex(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	chunks, err := ix.meta.GetChunks(ctx, ids)
	if err != nil {
		return errors.New(errors.ErrCodeStorageIO, "load chunks for reindex", err)
	}
	_, err = ix.Upsert(ctx, chunks)
	return err
}

// embedAll computes vectors for the batch on the worker pool. The returned
// slice is parallel to chunks; a nil entry means that chunk's batch failed
// and its id is listed in failed.
func (ix *Indexer) embedAll(ctx context.Context, chunks []*corpus.Chunk) ([][]float32, []string) {
	vectors := make([][]float32, len(chunks))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for start := 0; start < len(chunks); start += ix.opts.EmbedBatch {
		end := start + ix.opts.EmbedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		out := vectors[start:end]

		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = ch.Text
		}

		wg.Add(1)
		task := func() {
			defer wg.Done()
			vecs, err := ix.embedder.EmbedBatch(ctx, texts)
			if err != nil || len(vecs) != len(batch) {
				mu.Lock()
				for _, ch := range batch {
					failed = append(failed, ch.ChunkID)
				}
				mu.Unlock()
				ix.logger.Warn("embed_batch_failed",
					slog.Int("chunks", len(batch)),
					slog.Any("error", err))
				return
			}
			// Disjoint slice of vectors, no lock needed.
			copy(out, vecs)
		}
		if err := ix.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	return vectors, failed
}

// recordEmbeddingInfo stores the embedder identity next to the index so a
// restart with a different model or dimension is caught before serving.
func (ix *Indexer) recordEmbeddingInfo(ctx context.Context) {
	if err := ix.meta.SetState(ctx, store.StateKeyIndexDimension,
		strconv.Itoa(ix.embedder.Dimensions())); err != nil {
		ix.logger.Warn("record_embedding_dimension_failed", slog.Any("error", err))
		return
	}
	if err := ix.meta.SetState(ctx, store.StateKeyIndexModel, ix.embedder.ModelName()); err != nil {
		ix.logger.Warn("record_embedding_model_failed", slog.Any("error", err))
	}
}

// Close releases the embedding worker pool.
func (ix *Indexer) Close() error {
	ix.pool.Release()
	return nil
}

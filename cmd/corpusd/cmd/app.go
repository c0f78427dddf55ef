package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"

	"github.com/chilleregeravi/agents/internal/chunk"
	"github.com/chilleregeravi/agents/internal/config"
	"github.com/chilleregeravi/agents/internal/embed"
	"github.com/chilleregeravi/agents/internal/index"
	"github.com/chilleregeravi/agents/internal/search"
	"github.com/chilleregeravi/agents/internal/store"
)

// app holds the wired storage and retrieval components every subcommand
// works against. The data directory is guarded by a file lock so two
// corpusd processes never share the same SQLite and HNSW state.
type app struct {
	cfg  *config.Config
	lock *flock.Flock

	meta     *store.SQLiteStore
	lexical  store.LexicalIndex
	vector   *store.HNSWStore
	embedder embed.Embedder
	epoch    *index.Epoch

	indexer   *index.Indexer
	retriever *search.Retriever

	vectorPath string
}

func openApp(ctx context.Context) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.DataDir, "corpusd.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire data directory lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data directory %s is in use by another corpusd process", cfg.DataDir)
	}

	a := &app{cfg: cfg, lock: lock}
	if err := a.open(ctx); err != nil {
		_ = lock.Unlock()
		a.closeStores()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	var err error
	a.meta, err = store.NewSQLiteStore(filepath.Join(a.cfg.DataDir, "metadata.db"))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}

	dims := a.cfg.Index.Dimensions
	if dims <= 0 {
		dims = embed.DefaultDimensions
	}
	a.embedder = embed.NewCachedEmbedder(embed.NewStaticEmbedder(dims), 0)

	// An index built with a different embedding dimension cannot serve
	// this embedder; refuse to start rather than return garbage distances.
	if stored, err := a.meta.GetState(ctx, store.StateKeyIndexDimension); err != nil {
		return fmt.Errorf("read index state: %w", err)
	} else if stored != "" && stored != strconv.Itoa(dims) {
		return fmt.Errorf("index was built with dimension %s, configured embedder has %d; reindex or fix index.dimensions", stored, dims)
	}

	a.lexical, err = store.NewLexicalIndex(a.cfg.Index.LexicalBackend,
		filepath.Join(a.cfg.DataDir, "lexical"), store.DefaultLexicalConfig())
	if err != nil {
		return fmt.Errorf("open lexical index: %w", err)
	}

	a.vector, err = store.NewHNSWStore(store.DefaultVectorConfig(dims))
	if err != nil {
		return fmt.Errorf("create vector store: %w", err)
	}
	a.vectorPath = filepath.Join(a.cfg.DataDir, "vectors.hnsw")
	if snapDims, err := store.SnapshotDimensions(a.vectorPath); err != nil {
		slog.Warn("vector_snapshot_unreadable", slog.Any("error", err))
	} else if snapDims > 0 {
		if snapDims != dims {
			return fmt.Errorf("vector snapshot has dimension %d, configured embedder has %d", snapDims, dims)
		}
		if err := a.vector.Load(a.vectorPath); err != nil {
			return fmt.Errorf("load vector snapshot: %w", err)
		}
		slog.Info("vector_snapshot_loaded", slog.Int("vectors", a.vector.Count()))
	}

	a.epoch, err = index.LoadEpochCounter(ctx, a.meta)
	if err != nil {
		return fmt.Errorf("load corpus epoch: %w", err)
	}

	a.indexer, err = index.NewIndexer(a.meta, a.lexical, a.vector, a.embedder, a.epoch,
		index.Options{EmbedWorkers: a.cfg.Index.EmbedWorkers}, slog.Default())
	if err != nil {
		return fmt.Errorf("create indexer: %w", err)
	}

	a.retriever = search.NewRetriever(a.lexical, a.vector, a.embedder, a.meta, a.epoch,
		search.Options{
			Weights: search.Weights{
				Lexical: a.cfg.Search.LexicalWeight,
				Vector:  a.cfg.Search.VectorWeight,
			},
			RRFConstant: a.cfg.Search.RRFConstant,
			PoolSize:    a.cfg.Search.FusionPoolSize,
			MaxK:        a.cfg.Search.MaxK,
			CacheSize:   a.cfg.Search.CacheSize,
			CacheTTL:    a.cfg.Search.CacheTTL,
		}, slog.Default())
	return nil
}

// newChunker builds the splitter from the loaded configuration.
func newChunker() *chunk.Chunker {
	return chunk.New(chunk.Options{
		WindowTokens:  cfg.Chunking.WindowTokens,
		OverlapTokens: cfg.Chunking.OverlapTokens,
		BoundarySlack: cfg.Chunking.BoundarySlack,
	}, []chunk.Enricher{&chunk.KeywordEnricher{}}, slog.Default())
}

// reconcile verifies index consistency at startup and repairs divergence,
// e.g. after a crash between the vector write and the lexical write.
func (a *app) reconcile(ctx context.Context) error {
	checker := index.NewConsistencyChecker(a.meta, a.lexical, a.vector, slog.Default())
	ok, err := checker.QuickCheck(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	result, err := checker.Check(ctx)
	if err != nil {
		return err
	}
	return checker.Repair(ctx, result, a.indexer.Reindex)
}

// saveVectors writes a vector snapshot if the store holds anything.
func (a *app) saveVectors() {
	if a.vector == nil || a.vector.Count() == 0 {
		return
	}
	if err := a.vector.Save(a.vectorPath); err != nil {
		slog.Warn("vector_snapshot_failed", slog.Any("error", err))
	}
}

func (a *app) closeStores() {
	if a.indexer != nil {
		_ = a.indexer.Close()
	}
	if a.vector != nil {
		_ = a.vector.Close()
	}
	if a.lexical != nil {
		_ = a.lexical.Close()
	}
	if a.meta != nil {
		_ = a.meta.Close()
	}
}

// Close snapshots the vector index, closes every store, and releases the
// data directory lock.
func (a *app) Close() {
	a.saveVectors()
	a.closeStores()
	if a.lock != nil {
		_ = a.lock.Unlock()
	}
}

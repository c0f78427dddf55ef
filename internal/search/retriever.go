package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/internal/embed"
	"github.com/chilleregeravi/agents/internal/errors"
	"github.com/chilleregeravi/agents/internal/store"
)

// ChunkSource hydrates fused candidates from the metadata store.
type ChunkSource interface {
	GetChunks(ctx context.Context, ids []string) ([]*corpus.Chunk, error)
}

// EpochSource reports the current corpus epoch.
type EpochSource interface {
	Current() uint64
}

// Options tunes retrieval.
type Options struct {
	// Weights splits fusion influence between lexical and vector.
	Weights Weights
	// RRFConstant is the fusion smoothing parameter k.
	RRFConstant int
	// PoolSize is how many candidates each sub-search contributes before
	// fusion, independent of the query's k.
	PoolSize int
	// MaxK caps the per-query result count.
	MaxK int
	// CacheSize is the number of cached result sets.
	CacheSize int
	// CacheTTL bounds cache entry lifetime.
	CacheTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.Weights.Lexical == 0 && o.Weights.Vector == 0 {
		o.Weights = DefaultWeights()
	}
	if o.RRFConstant <= 0 {
		o.RRFConstant = DefaultRRFConstant
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 50
	}
	if o.MaxK <= 0 {
		o.MaxK = 100
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 1024
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 10 * time.Minute
	}
	return o
}

// Retriever answers queries over the indexed corpus. Both sub-searches run
// in parallel, their rankings are fused, candidates are hydrated and
// filtered, and only then truncated to k, so a heavily filtered query is
// not starved by filtering after the cut.
//
// Results are deterministic for a fixed corpus epoch, which makes them
// safely cacheable: the epoch is part of the cache key, so any committed
// index batch naturally invalidates every cached result set.
type Retriever struct {
	lexical  store.LexicalIndex
	vector   store.VectorStore
	embedder embed.Embedder
	chunks   ChunkSource
	epoch    EpochSource
	fusion   *RRFFusion
	opts     Options
	breaker  *errors.CircuitBreaker
	cache    *expirable.LRU[string, *corpus.RetrievalResult]
	group    singleflight.Group
	logger   *slog.Logger

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// NewRetriever wires a retriever over the two indexes and metadata store.
func NewRetriever(lexical store.LexicalIndex, vector store.VectorStore,
	embedder embed.Embedder, chunks ChunkSource, epoch EpochSource,
	opts Options, logger *slog.Logger) *Retriever {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		lexical:  lexical,
		vector:   vector,
		embedder: embedder,
		chunks:   chunks,
		epoch:    epoch,
		fusion:   NewRRFFusion(opts.RRFConstant),
		opts:     opts,
		breaker:  errors.NewCircuitBreaker("vector-search", 5, 30*time.Second),
		cache:    expirable.NewLRU[string, *corpus.RetrievalResult](opts.CacheSize, nil, opts.CacheTTL),
		logger:   logger,
	}
}

// Retrieve serves one query. Identical concurrent queries collapse into a
// single execution; cached result sets are shared and must not be mutated
// by callers.
//
// The cache holds the full filtered ranking up to MaxK, independent of the
// request's k, so one entry serves any request size at the same epoch.
func (r *Retriever) Retrieve(ctx context.Context, q *corpus.Query) (*corpus.RetrievalResult, error) {
	if err := q.Validate(); err != nil {
		return nil, errors.New(errors.ErrCodeInvalidQuery, err.Error(), err)
	}
	k := q.K
	if k > r.opts.MaxK {
		k = r.opts.MaxK
	}

	epoch := r.epoch.Current()
	key := cacheKey(q, epoch)
	if cached, ok := r.cache.Get(key); ok {
		r.cacheHits.Add(1)
		return truncated(cached, k), nil
	}
	r.cacheMisses.Add(1)

	// The collapsed execution is shared by every caller waiting on this
	// key, so it must not die with whichever caller happened to start it.
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.retrieve(context.WithoutCancel(ctx), q, epoch)
	})
	if err != nil {
		return nil, err
	}
	result := v.(*corpus.RetrievalResult)
	r.cache.Add(key, result)
	return truncated(result, k), nil
}

// truncated caps a shared result set at k without copying the entries.
func truncated(result *corpus.RetrievalResult, k int) *corpus.RetrievalResult {
	if len(result.Results) <= k {
		return result
	}
	return &corpus.RetrievalResult{Epoch: result.Epoch, Results: result.Results[:k]}
}

// CacheStats reports cumulative result cache hit and miss counts.
func (r *Retriever) CacheStats() (hits, misses uint64) {
	return r.cacheHits.Load(), r.cacheMisses.Load()
}

// cacheKey folds the tenant, whitespace-normalized query, filters, and
// epoch into one key.
func cacheKey(q *corpus.Query, epoch uint64) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(q.Text)), " ")
	return fmt.Sprintf("%s|%s|%s|%d", q.TenantID, normalized, q.Filters.CanonicalString(), epoch)
}

func (r *Retriever) retrieve(ctx context.Context, q *corpus.Query, epoch uint64) (*corpus.RetrievalResult, error) {
	var lexHits, vecHits []rankedID

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.lexical.Search(gctx, q.TenantID, q.Text, r.opts.PoolSize)
		if err != nil {
			return errors.New(errors.ErrCodeSearchFailed, "lexical search", err)
		}
		lexHits = make([]rankedID, len(hits))
		for i, h := range hits {
			lexHits[i] = rankedID{ID: h.ChunkID, Score: h.Score}
		}
		return nil
	})
	g.Go(func() error {
		// Vector failures degrade to lexical-only rather than failing the
		// query. The breaker keeps a down embedder from delaying every
		// query while it is unreachable.
		err := r.breaker.Execute(func() error {
			vec, err := r.embedder.Embed(gctx, q.Text)
			if err != nil {
				return err
			}
			hits, err := r.vector.Search(gctx, vec, r.opts.PoolSize)
			if err != nil {
				return err
			}
			vecHits = make([]rankedID, len(hits))
			for i, h := range hits {
				vecHits[i] = rankedID{ID: h.ID, Score: float64(h.Score)}
			}
			return nil
		})
		if err != nil {
			r.logger.Warn("vector_search_degraded", slog.Any("error", err))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := r.fusion.Fuse(lexHits, vecHits, r.opts.Weights)

	ids := make([]string, len(fused))
	for i, fr := range fused {
		ids[i] = fr.ChunkID
	}
	hydrated, err := r.chunks.GetChunks(ctx, ids)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageIO, "hydrate candidates", err)
	}
	byID := make(map[string]*corpus.Chunk, len(hydrated))
	for _, ch := range hydrated {
		byID[ch.ChunkID] = ch
	}

	type candidate struct {
		fused *FusedResult
		chunk *corpus.Chunk
	}
	candidates := make([]candidate, 0, len(fused))
	for _, fr := range fused {
		ch, ok := byID[fr.ChunkID]
		if !ok {
			continue
		}
		// The vector index is corpus-wide; tenant scoping happens here.
		// The lexical side is already scoped at query time.
		if ch.TenantID != q.TenantID {
			continue
		}
		if !matchesFilters(ch, q.Filters) {
			continue
		}
		candidates = append(candidates, candidate{fused: fr, chunk: ch})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.fused.Score != b.fused.Score {
			return a.fused.Score > b.fused.Score
		}
		ap, bp := a.chunk.PublishedAt, b.chunk.PublishedAt
		switch {
		case ap != nil && bp != nil && !ap.Equal(*bp):
			return ap.After(*bp)
		case ap != nil && bp == nil:
			return true
		case ap == nil && bp != nil:
			return false
		}
		return a.chunk.ChunkID < b.chunk.ChunkID
	})
	if len(candidates) > r.opts.MaxK {
		candidates = candidates[:r.opts.MaxK]
	}

	results := make([]corpus.RankedChunk, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, corpus.RankedChunk{
			ChunkID: c.chunk.ChunkID,
			Text:    c.chunk.Text,
			Score:   c.fused.Score,
			Citation: corpus.Citation{
				SourceURL:   c.chunk.SourceURL,
				PublishedAt: c.chunk.PublishedAt,
			},
		})
	}

	r.logger.Debug("retrieve_served",
		slog.String("tenant", q.TenantID),
		slog.Int("results", len(results)),
		slog.Uint64("epoch", epoch))
	return &corpus.RetrievalResult{Epoch: epoch, Results: results}, nil
}

// matchesFilters applies all present filter conditions. A chunk with no
// publication date never matches a publication window.
func matchesFilters(ch *corpus.Chunk, f corpus.Filters) bool {
	if len(f.Tags) > 0 {
		have := make(map[string]bool, len(ch.Tags))
		for _, tag := range ch.Tags {
			have[tag] = true
		}
		for _, tag := range f.Tags {
			if !have[tag] {
				return false
			}
		}
	}
	if f.PublishedAfter != nil {
		if ch.PublishedAt == nil || !ch.PublishedAt.After(*f.PublishedAfter) {
			return false
		}
	}
	if f.PublishedBefore != nil {
		if ch.PublishedAt == nil || !ch.PublishedAt.Before(*f.PublishedBefore) {
			return false
		}
	}
	if len(f.DocIDs) > 0 {
		match := false
		for _, id := range f.DocIDs {
			if id == ch.DocID.String() || id == ch.CanonicalID.String() {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

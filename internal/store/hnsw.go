package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
	"github.com/klauspost/compress/zstd"
)

// HNSWStore implements VectorStore on a pure Go HNSW graph. Snapshots are
// zstd-compressed; vectors of prose chunks compress to roughly half size.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorConfig

	// The graph keys on uint64, chunk ids are strings. Deletion is lazy:
	// removing a mapping orphans the graph node, which search then skips.
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

// hnswMetadata is the id-mapping side of a snapshot.
type hnswMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  VectorConfig
}

// NewHNSWStore creates an empty vector store.
func NewHNSWStore(cfg VectorConfig) (*HNSWStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWStore{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}, nil
}

// Add inserts vectors. An existing id is lazily replaced: the old graph
// node is orphaned rather than removed, which sidesteps graph repair on
// every re-index of a redelivered chunk.
func (s *HNSWStore) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		if s.config.Metric == "cos" {
			normalizeInPlace(vec)
		}

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
	}
	return nil
}

// Search finds the k nearest live vectors.
func (s *HNSWStore) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if s.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	if s.config.Metric == "cos" {
		normalizeInPlace(normalized)
	}

	// Overfetch to compensate for orphaned nodes in the result set.
	fetch := k + (s.graph.Len() - len(s.idMap))
	nodes := s.graph.Search(normalized, fetch)

	results := make([]*VectorResult, 0, k)
	for _, node := range nodes {
		id, live := s.keyMap[node.Key]
		if !live {
			continue
		}
		distance := s.graph.Distance(normalized, node.Value)
		results = append(results, &VectorResult{
			ID:       id,
			Distance: distance,
			Score:    distanceToScore(distance, s.config.Metric),
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// Delete removes vectors by id, lazily.
func (s *HNSWStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
	}
	return nil
}

// AllIDs returns every live vector id.
func (s *HNSWStore) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether the id exists.
func (s *HNSWStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	_, exists := s.idMap[id]
	return exists
}

// Count returns the number of live vectors.
func (s *HNSWStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// Orphans returns the number of lazily deleted nodes still in the graph,
// used to decide when a rebuild is worthwhile.
func (s *HNSWStore) Orphans() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return s.graph.Len() - len(s.idMap)
}

// Save writes a compressed snapshot: the graph at path, id mappings at
// path + ".meta". Both writes go through a temp file and rename so a crash
// mid-save never corrupts the previous snapshot.
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := writeCompressed(path, func(w *zstd.Encoder) error {
		return s.graph.Export(w)
	}); err != nil {
		return fmt.Errorf("export graph: %w", err)
	}

	meta := hnswMetadata{IDMap: s.idMap, NextKey: s.nextKey, Config: s.config}
	if err := writeCompressed(path+".meta", func(w *zstd.Encoder) error {
		return gob.NewEncoder(w).Encode(meta)
	}); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// writeCompressed streams fn's output through zstd into a temp file and
// renames it over path.
func writeCompressed(path string, fn func(*zstd.Encoder) error) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	enc, err := zstd.NewWriter(file)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("create zstd writer: %w", err)
	}

	if err := fn(enc); err != nil {
		_ = enc.Close()
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := enc.Close(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("flush zstd stream: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load restores a snapshot written by Save.
func (s *HNSWStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if err := readCompressed(path+".meta", func(r *bufio.Reader) error {
		var meta hnswMetadata
		if err := gob.NewDecoder(r).Decode(&meta); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
		s.idMap = meta.IDMap
		s.nextKey = meta.NextKey
		s.config = meta.Config
		s.keyMap = make(map[uint64]string, len(meta.IDMap))
		for id, key := range meta.IDMap {
			s.keyMap[key] = id
		}
		return nil
	}); err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}

	if err := readCompressed(path, func(r *bufio.Reader) error {
		return s.graph.Import(r)
	}); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}
	return nil
}

// readCompressed opens a zstd-compressed file and hands fn a buffered
// reader. The graph import needs io.ByteReader, hence bufio.
func readCompressed(path string, fn func(*bufio.Reader) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(file)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	return fn(bufio.NewReader(dec))
}

// SnapshotDimensions reads the embedding dimension from an existing
// snapshot's metadata. Returns 0 when no snapshot exists.
func SnapshotDimensions(vectorPath string) (int, error) {
	metaPath := vectorPath + ".meta"
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		return 0, nil
	}

	var dims int
	err := readCompressed(metaPath, func(r *bufio.Reader) error {
		var meta hnswMetadata
		if err := gob.NewDecoder(r).Decode(&meta); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
		dims = meta.Config.Dimensions
		return nil
	})
	if err != nil {
		return 0, err
	}
	return dims, nil
}

// Close releases the graph.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

var _ VectorStore = (*HNSWStore)(nil)

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore maps a distance to a 0-1 similarity score. Cosine
// distance ranges 0-2; L2 is unbounded.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		return 1.0 - distance/2.0
	}
}

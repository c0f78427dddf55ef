package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
)

const (
	// ProseStopFilterName is the registered type of the stop word filter.
	ProseStopFilterName = "prose_stop"

	// proseStopTokensName is the per-index filter instance carrying the
	// configured stop word list and minimum token length.
	proseStopTokensName = "prose_stop_tokens"

	// ProseAnalyzerName is the registered name of the prose analyzer.
	ProseAnalyzerName = "prose_analyzer"
)

func init() {
	_ = registry.RegisterTokenFilter(ProseStopFilterName, proseStopFilterConstructor)
}

// BleveLexicalIndex wraps Bleve v2 for BM25-scored keyword search over
// chunk text, with tenant isolation enforced at query time.
type BleveLexicalIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	config LexicalConfig
	closed bool
}

var _ LexicalIndex = (*BleveLexicalIndex)(nil)

// bleveChunk is the document shape handed to Bleve.
type bleveChunk struct {
	Content string `json:"content"`
	Tenant  string `json:"tenant"`
}

// validateBleveIntegrity checks a Bleve index directory before opening so a
// half-written index is cleared instead of wedging startup.
func validateBleveIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// isBleveCorruption checks whether an open error indicates index corruption
// rather than a transient failure.
func isBleveCorruption(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// NewBleveLexicalIndex creates or opens a Bleve index. An empty path
// creates an in-memory index. A corrupt on-disk index is cleared and
// recreated; the consistency checker will flag the missing chunks for
// re-indexing.
func NewBleveLexicalIndex(path string, config LexicalConfig) (*BleveLexicalIndex, error) {
	indexMapping, err := createProseMapping(config)
	if err != nil {
		return nil, fmt.Errorf("create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}

		if validErr := validateBleveIntegrity(path); validErr != nil {
			slog.Warn("lexical_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted at %s and cannot remove: %w", path, removeErr)
			}
			slog.Info("lexical_index_cleared", slog.String("path", path))
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isBleveCorruption(err) {
			slog.Warn("lexical_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted, cannot clear: %w", removeErr)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create/open lexical index: %w", err)
	}

	return &BleveLexicalIndex{index: idx, path: path, config: config}, nil
}

// createProseMapping builds the index mapping: prose-analyzed content plus
// an exact-match tenant field. The stop word list and minimum token length
// travel inside the mapping so a reopened index analyzes identically.
func createProseMapping(config LexicalConfig) (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomTokenFilter(proseStopTokensName, map[string]interface{}{
		"type":             ProseStopFilterName,
		"stop_words":       config.StopWords,
		"min_token_length": config.MinTokenLength,
	})
	if err != nil {
		return nil, fmt.Errorf("add stop word filter: %w", err)
	}

	err = indexMapping.AddCustomAnalyzer(ProseAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
			proseStopTokensName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("add prose analyzer: %w", err)
	}

	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = ProseAnalyzerName

	tenantField := bleve.NewTextFieldMapping()
	tenantField.Analyzer = keyword.Name

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("content", contentField)
	docMapping.AddFieldMappingsAt("tenant", tenantField)

	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = ProseAnalyzerName
	return indexMapping, nil
}

// Index adds documents, replacing any existing entries with the same id.
func (b *BleveLexicalIndex) Index(ctx context.Context, docs []*LexicalDoc) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		entry := bleveChunk{Content: doc.Content, Tenant: doc.TenantID}
		if err := batch.Index(doc.ID, entry); err != nil {
			return fmt.Errorf("index chunk %s: %w", doc.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("execute batch: %w", err)
	}
	return nil
}

// Search returns the tenant's chunks matching the query, BM25-scored.
func (b *BleveLexicalIndex) Search(ctx context.Context, tenantID, queryStr string, limit int) ([]*LexicalResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if strings.TrimSpace(queryStr) == "" {
		return []*LexicalResult{}, nil
	}

	matchQuery := bleve.NewMatchQuery(queryStr)
	matchQuery.SetField("content")

	tenantQuery := bleve.NewTermQuery(tenantID)
	tenantQuery.SetField("tenant")

	conj := bleve.NewConjunctionQuery(matchQuery, tenantQuery)
	req := bleve.NewSearchRequest(conj)
	req.Size = limit

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]*LexicalResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		results = append(results, &LexicalResult{ChunkID: hit.ID, Score: hit.Score})
	}
	return results, nil
}

// Delete removes documents by id.
func (b *BleveLexicalIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

// AllIDs returns every indexed chunk id.
func (b *BleveLexicalIndex) AllIDs(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	docCount, _ := b.index.DocCount()
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(docCount)
	req.Fields = []string{}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list all ids: %w", err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// Count returns the number of indexed documents.
func (b *BleveLexicalIndex) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	count, _ := b.index.DocCount()
	return int(count)
}

// Close closes the index. Bleve persists on-disk indexes automatically.
func (b *BleveLexicalIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

// proseStopFilterConstructor creates the stop word filter from the mapping
// config. Values arrive as native Go types when the mapping is built in
// process and as JSON types after an on-disk index is reopened.
func proseStopFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	words := DefaultProseStopWords
	if parsed := stringSliceOption(config["stop_words"]); parsed != nil {
		words = parsed
	}
	minLength := 0
	switch v := config["min_token_length"].(type) {
	case int:
		minLength = v
	case float64:
		minLength = int(v)
	}
	return &proseStopFilter{stopWords: BuildStopWordMap(words), minLength: minLength}, nil
}

func stringSliceOption(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

type proseStopFilter struct {
	stopWords map[string]struct{}
	minLength int
}

func (f *proseStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		term := strings.ToLower(string(token.Term))
		if len([]rune(term)) < f.minLength {
			continue
		}
		if _, isStop := f.stopWords[term]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

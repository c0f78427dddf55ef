package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// SQLiteLexicalIndex implements LexicalIndex on SQLite FTS5. WAL mode
// allows the retrieval path to read while the pipeline writes.
type SQLiteLexicalIndex struct {
	mu        sync.RWMutex
	db        *sql.DB
	path      string
	config    LexicalConfig
	closed    bool
	stopWords map[string]struct{}
}

var _ LexicalIndex = (*SQLiteLexicalIndex)(nil)

// validateFTS5Integrity checks the database before opening so a corrupt
// index is cleared instead of wedging startup.
func validateFTS5Integrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
                       WHERE type='table' AND name='fts_chunks'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("FTS5 table 'fts_chunks' missing")
	}
	return nil
}

// NewSQLiteLexicalIndex creates or opens an FTS5 index. An empty path
// creates an in-memory index.
func NewSQLiteLexicalIndex(path string, config LexicalConfig) (*SQLiteLexicalIndex, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}

		if validErr := validateFTS5Integrity(path); validErr != nil {
			slog.Warn("lexical_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("lexical index corrupted at %s and cannot remove: %w", path, removeErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
			slog.Info("lexical_index_cleared", slog.String("path", path))
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer connection keeps SQLite lock contention out of the
	// picture; reads go through WAL snapshots.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores some DSN params, so pragmas are applied
	// explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	idx := &SQLiteLexicalIndex{
		db:        db,
		path:      path,
		config:    config,
		stopWords: BuildStopWordMap(config.StopWords),
	}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return idx, nil
}

func (s *SQLiteLexicalIndex) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- chunk_id and tenant_id are UNINDEXED: stored for retrieval and
	-- tenant scoping, not tokenized.
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_chunks USING fts5(
		chunk_id UNINDEXED,
		tenant_id UNINDEXED,
		content,
		tokenize='unicode61'
	);

	-- FTS5 does not expose rowids reliably, so ids are tracked beside it.
	CREATE TABLE IF NOT EXISTS chunk_ids (
		chunk_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Index adds documents. Content is pre-tokenized so both lexical backends
// index comparable token streams. Existing ids are replaced.
func (s *SQLiteLexicalIndex) Index(ctx context.Context, docs []*LexicalDoc) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// FTS5 virtual tables do not support REPLACE, delete first.
	deleteStmt, err := tx.PrepareContext(ctx,
		`DELETE FROM fts_chunks WHERE chunk_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer deleteStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fts_chunks(chunk_id, tenant_id, content) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer insertStmt.Close()

	idStmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO chunk_ids(chunk_id, tenant_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare id insert: %w", err)
	}
	defer idStmt.Close()

	for _, doc := range docs {
		tokens := TokenizeProse(doc.Content, s.config.MinTokenLength)
		tokens = FilterStopWords(tokens, s.stopWords)
		processed := strings.Join(tokens, " ")

		if _, err := deleteStmt.ExecContext(ctx, doc.ID); err != nil {
			return fmt.Errorf("delete existing chunk %s: %w", doc.ID, err)
		}
		if _, err := insertStmt.ExecContext(ctx, doc.ID, doc.TenantID, processed); err != nil {
			return fmt.Errorf("index chunk %s: %w", doc.ID, err)
		}
		if _, err := idStmt.ExecContext(ctx, doc.ID, doc.TenantID); err != nil {
			return fmt.Errorf("track chunk id %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

// Search returns the tenant's chunks matching the query, best first.
func (s *SQLiteLexicalIndex) Search(ctx context.Context, tenantID, queryStr string, limit int) ([]*LexicalResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if strings.TrimSpace(queryStr) == "" {
		return []*LexicalResult{}, nil
	}

	tokens := TokenizeProse(queryStr, s.config.MinTokenLength)
	tokens = FilterStopWords(tokens, s.stopWords)
	if len(tokens) == 0 {
		return []*LexicalResult{}, nil
	}

	// OR semantics across terms matches the Bleve match query, keeping
	// ranking behavior comparable across backends.
	processedQuery := strings.Join(tokens, " OR ")

	// FTS5 bm25() returns negative values, lower is better.
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(fts_chunks) AS score
		FROM fts_chunks
		WHERE content MATCH ? AND tenant_id = ?
		ORDER BY score
		LIMIT ?`, processedQuery, tenantID, limit)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []*LexicalResult{}, nil
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var results []*LexicalResult
	for rows.Next() {
		var chunkID string
		var score float64
		if err := rows.Scan(&chunkID, &score); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, &LexicalResult{ChunkID: chunkID, Score: -score})
	}
	return results, rows.Err()
}

// Delete removes documents by id.
func (s *SQLiteLexicalIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	inClause := strings.Join(placeholders, ",")

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM fts_chunks WHERE chunk_id IN (%s)", inClause), args...); err != nil {
		return fmt.Errorf("delete from fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM chunk_ids WHERE chunk_id IN (%s)", inClause), args...); err != nil {
		return fmt.Errorf("delete from chunk_ids: %w", err)
	}
	return tx.Commit()
}

// AllIDs returns every indexed chunk id.
func (s *SQLiteLexicalIndex) AllIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id FROM chunk_ids ORDER BY chunk_id`)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of indexed documents.
func (s *SQLiteLexicalIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chunk_ids`).Scan(&count); err != nil {
		return 0
	}
	return count
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteLexicalIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}

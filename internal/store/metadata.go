package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/internal/dedupe"
)

// metadataSchemaVersion is bumped on incompatible schema changes.
const metadataSchemaVersion = 1

// SQLiteStore persists documents, fingerprints, chunks, and pipeline state
// in a single SQLite database. It backs the deduper's canonical map and the
// retriever's chunk lookups.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ dedupe.Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates or opens the metadata database. An empty path
// creates an in-memory store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS documents (
		doc_id        TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		url           TEXT NOT NULL,
		canonical_url TEXT NOT NULL,
		canonical_id  TEXT NOT NULL,
		content_hash  BLOB NOT NULL,
		language      TEXT NOT NULL DEFAULT '',
		collected_at  TEXT NOT NULL,
		published_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_documents_canonical_url
		ON documents(canonical_url, collected_at);
	CREATE INDEX IF NOT EXISTS idx_documents_canonical_id
		ON documents(canonical_id);

	-- Append-only: one fingerprint per (doc_id, kind), never updated.
	CREATE TABLE IF NOT EXISTS fingerprints (
		doc_id     TEXT NOT NULL,
		kind       TEXT NOT NULL,
		signature  BLOB NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (doc_id, kind)
	);

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id     TEXT PRIMARY KEY,
		doc_id       TEXT NOT NULL,
		canonical_id TEXT NOT NULL,
		tenant_id    TEXT NOT NULL,
		ordinal      INTEGER NOT NULL,
		text         TEXT NOT NULL,
		token_count  INTEGER NOT NULL,
		hash         BLOB NOT NULL,
		tags         TEXT NOT NULL DEFAULT '[]',
		source_url   TEXT NOT NULL,
		collected_at TEXT NOT NULL,
		published_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id, ordinal);
	CREATE INDEX IF NOT EXISTS idx_chunks_tenant ON chunks(tenant_id);

	CREATE TABLE IF NOT EXISTS state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, metadataSchemaVersion)
	return err
}

// GetDocument returns the tracked document, or nil when unknown.
func (s *SQLiteStore) GetDocument(ctx context.Context, id uuid.UUID) (*corpus.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT doc_id, tenant_id, url, canonical_url, canonical_id,
		       content_hash, language, collected_at, published_at
		FROM documents WHERE doc_id = ?`, id.String())
	return scanDocument(row)
}

// FindDocumentByURL returns the earliest-collected document tracked under
// the canonical URL, or nil when none exists.
func (s *SQLiteStore) FindDocumentByURL(ctx context.Context, canonicalURL string) (*corpus.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT doc_id, tenant_id, url, canonical_url, canonical_id,
		       content_hash, language, collected_at, published_at
		FROM documents WHERE canonical_url = ?
		ORDER BY collected_at ASC, doc_id ASC LIMIT 1`, canonicalURL)
	return scanDocument(row)
}

// UpsertDocument inserts the document if absent and returns the surviving
// row. canonical_id never changes once a row exists.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, doc *corpus.Document) (*corpus.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO documents
			(doc_id, tenant_id, url, canonical_url, canonical_id,
			 content_hash, language, collected_at, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.DocID.String(), doc.TenantID, doc.URL, doc.CanonicalURL,
		doc.CanonicalID.String(), doc.ContentHash, doc.Language,
		formatTime(doc.CollectedAt), formatTimePtr(doc.PublishedAt))
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT doc_id, tenant_id, url, canonical_url, canonical_id,
		       content_hash, language, collected_at, published_at
		FROM documents WHERE doc_id = ?`, doc.DocID.String())
	stored, err := scanDocument(row)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("document %s vanished after insert", doc.DocID)
	}
	return stored, nil
}

// SaveFingerprint appends the fingerprint. Redundant saves are ignored.
func (s *SQLiteStore) SaveFingerprint(ctx context.Context, fp *corpus.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fingerprints (doc_id, kind, signature, created_at)
		VALUES (?, ?, ?, ?)`,
		fp.DocID.String(), string(fp.Kind), encodeSignature(fp.Signature),
		formatTime(fp.CreatedAt))
	if err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	return nil
}

// ListCanonicalSignatures returns every canonical document's fingerprint of
// the given kind, used to rebuild the LSH index at startup.
func (s *SQLiteStore) ListCanonicalSignatures(ctx context.Context, kind corpus.FingerprintKind) ([]dedupe.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.doc_id, f.signature, d.collected_at
		FROM fingerprints f
		JOIN documents d ON d.doc_id = f.doc_id
		WHERE f.kind = ? AND d.canonical_id = d.doc_id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	var entries []dedupe.Entry
	for rows.Next() {
		var idStr, collectedStr string
		var sigBlob []byte
		if err := rows.Scan(&idStr, &sigBlob, &collectedStr); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse doc id %q: %w", idStr, err)
		}
		collected, err := parseTime(collectedStr)
		if err != nil {
			return nil, err
		}
		entries = append(entries, dedupe.Entry{
			DocID:       id,
			CollectedAt: collected,
			Signature:   decodeSignature(sigBlob),
		})
	}
	return entries, rows.Err()
}

// SaveChunks persists chunks, replacing existing rows. Chunk rows are
// content-addressed so a replace is always a no-op rewrite of identical
// data.
func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []*corpus.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks
			(chunk_id, doc_id, canonical_id, tenant_id, ordinal, text,
			 token_count, hash, tags, source_url, collected_at, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range chunks {
		tags, err := json.Marshal(ch.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags for %s: %w", ch.ChunkID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			ch.ChunkID, ch.DocID.String(), ch.CanonicalID.String(), ch.TenantID,
			ch.Ordinal, ch.Text, ch.TokenCount, ch.Hash, string(tags),
			ch.SourceURL, formatTime(ch.CollectedAt), formatTimePtr(ch.PublishedAt)); err != nil {
			return fmt.Errorf("save chunk %s: %w", ch.ChunkID, err)
		}
	}
	return tx.Commit()
}

// GetChunk returns one chunk, or nil when unknown.
func (s *SQLiteStore) GetChunk(ctx context.Context, chunkID string) (*corpus.Chunk, error) {
	chunks, err := s.GetChunks(ctx, []string{chunkID})
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return chunks[0], nil
}

// GetChunks batch-fetches chunks by id. Unknown ids are silently skipped;
// the result order follows the input order.
func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*corpus.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT chunk_id, doc_id, canonical_id, tenant_id, ordinal, text,
		       token_count, hash, tags, source_url, collected_at, published_at
		FROM chunks WHERE chunk_id IN (%s)`,
		strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*corpus.Chunk, len(ids))
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[ch.ChunkID] = ch
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*corpus.Chunk, 0, len(byID))
	for _, id := range ids {
		if ch, ok := byID[id]; ok {
			out = append(out, ch)
		}
	}
	return out, nil
}

// ChunkIDs returns every persisted chunk id, used by the consistency
// checker as the source of truth.
func (s *SQLiteStore) ChunkIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id FROM chunks ORDER BY chunk_id`)
	if err != nil {
		return nil, fmt.Errorf("query chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Counts returns document and chunk totals for the status endpoint.
func (s *SQLiteStore) Counts(ctx context.Context) (documents, canonical, chunks int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, 0, 0, fmt.Errorf("store is closed")
	}

	if err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents`).Scan(&documents); err != nil {
		return 0, 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE canonical_id = doc_id`).Scan(&canonical); err != nil {
		return 0, 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks`).Scan(&chunks); err != nil {
		return 0, 0, 0, err
	}
	return documents, canonical, chunks, nil
}

// GetState reads a state value. Missing keys return the empty string.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", fmt.Errorf("store is closed")
	}

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %q: %w", key, err)
	}
	return value, nil
}

// SetState writes a state value.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO state (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

// LoadEpoch reads the persisted corpus epoch, 0 when never set.
func (s *SQLiteStore) LoadEpoch(ctx context.Context) (uint64, error) {
	value, err := s.GetState(ctx, StateKeyEpoch)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 0, nil
	}
	epoch, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse epoch %q: %w", value, err)
	}
	return epoch, nil
}

// SaveEpoch persists the corpus epoch.
func (s *SQLiteStore) SaveEpoch(ctx context.Context, epoch uint64) error {
	return s.SetState(ctx, StateKeyEpoch, strconv.FormatUint(epoch, 10))
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
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

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*corpus.Document, error) {
	var docIDStr, tenantID, url, canonicalURL, canonicalIDStr, language, collectedStr string
	var contentHash []byte
	var publishedStr sql.NullString

	err := row.Scan(&docIDStr, &tenantID, &url, &canonicalURL, &canonicalIDStr,
		&contentHash, &language, &collectedStr, &publishedStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}

	docID, err := uuid.Parse(docIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse doc id %q: %w", docIDStr, err)
	}
	canonicalID, err := uuid.Parse(canonicalIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse canonical id %q: %w", canonicalIDStr, err)
	}
	collected, err := parseTime(collectedStr)
	if err != nil {
		return nil, err
	}
	published, err := parseTimePtr(publishedStr)
	if err != nil {
		return nil, err
	}

	return &corpus.Document{
		DocID:        docID,
		TenantID:     tenantID,
		URL:          url,
		CanonicalURL: canonicalURL,
		CanonicalID:  canonicalID,
		ContentHash:  contentHash,
		Language:     language,
		CollectedAt:  collected,
		PublishedAt:  published,
	}, nil
}

func scanChunk(row scanner) (*corpus.Chunk, error) {
	var chunkID, docIDStr, canonicalIDStr, tenantID, text, tagsJSON, sourceURL, collectedStr string
	var ordinal, tokenCount int
	var hash []byte
	var publishedStr sql.NullString

	err := row.Scan(&chunkID, &docIDStr, &canonicalIDStr, &tenantID, &ordinal,
		&text, &tokenCount, &hash, &tagsJSON, &sourceURL, &collectedStr, &publishedStr)
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}

	docID, err := uuid.Parse(docIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse doc id %q: %w", docIDStr, err)
	}
	canonicalID, err := uuid.Parse(canonicalIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse canonical id %q: %w", canonicalIDStr, err)
	}
	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags for %s: %w", chunkID, err)
	}
	collected, err := parseTime(collectedStr)
	if err != nil {
		return nil, err
	}
	published, err := parseTimePtr(publishedStr)
	if err != nil {
		return nil, err
	}

	return &corpus.Chunk{
		ChunkID:     chunkID,
		DocID:       docID,
		CanonicalID: canonicalID,
		TenantID:    tenantID,
		Ordinal:     ordinal,
		Text:        text,
		TokenCount:  tokenCount,
		Hash:        hash,
		Tags:        tags,
		SourceURL:   sourceURL,
		CollectedAt: collected,
		PublishedAt: published,
	}, nil
}

// encodeSignature packs a signature as big-endian uint64 words.
func encodeSignature(sig []uint64) []byte {
	buf := make([]byte, 8*len(sig))
	for i, word := range sig {
		binary.BigEndian.PutUint64(buf[i*8:], word)
	}
	return buf
}

func decodeSignature(blob []byte) []uint64 {
	sig := make([]uint64, len(blob)/8)
	for i := range sig {
		sig[i] = binary.BigEndian.Uint64(blob[i*8:])
	}
	return sig
}

// timeLayout is fixed-width so stored timestamps sort lexicographically in
// SQL ORDER BY clauses.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}


func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

package store

import (
	"fmt"
	"log/slog"
)

// NewLexicalIndex creates the configured lexical backend. Bleve is the
// default; the FTS5 backend shares the metadata store's SQLite engine and
// tolerates concurrent readers better on network filesystems.
func NewLexicalIndex(backend, path string, config LexicalConfig) (LexicalIndex, error) {
	switch backend {
	case BackendBleve, "":
		slog.Debug("lexical_backend_selected", slog.String("backend", BackendBleve))
		return NewBleveLexicalIndex(path, config)
	case BackendSQLite:
		slog.Debug("lexical_backend_selected", slog.String("backend", BackendSQLite))
		if path != "" {
			path += ".db"
		}
		return NewSQLiteLexicalIndex(path, config)
	default:
		return nil, fmt.Errorf("unknown lexical backend %q (want %q or %q)",
			backend, BackendBleve, BackendSQLite)
	}
}

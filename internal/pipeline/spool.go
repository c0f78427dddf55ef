package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chilleregeravi/agents/internal/errors"
)

// SpoolWatcher ingests normalized document files dropped into a directory.
// Collectors write *.json files; processed files are renamed with a .done
// suffix (.err on failure) so the spool doubles as an audit trail.
type SpoolWatcher struct {
	dir      string
	ingestor *Ingestor
	logger   *slog.Logger

	// settle is how long a file must be quiet before it is read, so a
	// half-written file is not picked up mid-copy.
	settle time.Duration
}

// NewSpoolWatcher creates a watcher over dir.
func NewSpoolWatcher(dir string, ingestor *Ingestor, logger *slog.Logger) *SpoolWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpoolWatcher{dir: dir, ingestor: ingestor, logger: logger, settle: 100 * time.Millisecond}
}

// Run processes files already in the spool, then watches for new ones until
// ctx is cancelled.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return errors.New(errors.ErrCodeStorageIO, "create spool directory", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.New(errors.ErrCodeStorageIO, "create filesystem watcher", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return errors.New(errors.ErrCodeStorageIO, "watch spool directory", err)
	}

	w.drainExisting(ctx)
	w.logger.Info("spool_watching", slog.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isSpoolFile(event.Name) {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.settle):
			}
			w.process(ctx, event.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("spool_watch_error", slog.Any("error", err))
		}
	}
}

// drainExisting ingests files that arrived while the watcher was down.
func (w *SpoolWatcher) drainExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("spool_scan_failed", slog.Any("error", err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if isSpoolFile(path) {
			w.process(ctx, path)
		}
	}
}

func (w *SpoolWatcher) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		// Already renamed by a previous delivery of the same event.
		return
	}

	count, err := w.ingestor.IngestFile(ctx, path)
	if err != nil {
		w.logger.Error("spool_file_failed",
			slog.String("path", path),
			slog.Int("published", count),
			slog.Any("error", err))
		_ = os.Rename(path, path+".err")
		return
	}
	w.logger.Info("spool_file_ingested",
		slog.String("path", path),
		slog.Int("documents", count))
	_ = os.Rename(path, path+".done")
}

func isSpoolFile(path string) bool {
	return strings.HasSuffix(path, ".json")
}

package index

import (
	"context"
	"log/slog"
	"time"

	"github.com/chilleregeravi/agents/internal/store"
)

// SnapshotRunner periodically snapshots the vector index to disk. The HNSW
// graph lives in memory; without snapshots a restart would rebuild it from
// the metadata store, which gets slow as the corpus grows.
type SnapshotRunner struct {
	vector   store.VectorStore
	path     string
	interval time.Duration
	logger   *slog.Logger
}

// NewSnapshotRunner creates a runner writing snapshots to path.
func NewSnapshotRunner(vector store.VectorStore, path string, interval time.Duration,
	logger *slog.Logger) *SnapshotRunner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotRunner{vector: vector, path: path, interval: interval, logger: logger}
}

// Run snapshots on every interval tick until ctx is cancelled, then writes
// one final snapshot so a clean shutdown never loses index state.
func (r *SnapshotRunner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.save()
			return
		case <-ticker.C:
			r.save()
		}
	}
}

// save writes one snapshot. Failure is degraded operation, not fatal: the
// previous snapshot stays intact because writes go through a temp file.
func (r *SnapshotRunner) save() {
	start := time.Now()
	if err := r.vector.Save(r.path); err != nil {
		r.logger.Warn("vector_snapshot_failed",
			slog.String("path", r.path),
			slog.Any("error", err))
		return
	}
	r.logger.Debug("vector_snapshot_written",
		slog.String("path", r.path),
		slog.Duration("took", time.Since(start)))
}

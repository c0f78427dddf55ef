package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chilleregeravi/agents/internal/api"
	"github.com/chilleregeravi/agents/internal/bus"
	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/internal/dedupe"
	"github.com/chilleregeravi/agents/internal/index"
	"github.com/chilleregeravi/agents/internal/pipeline"
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion pipeline and retrieval API",
		Long: `Starts the full corpusd runtime: the event-driven ingestion pipeline
(dedup, chunking, indexing), the spool directory watcher if configured,
periodic vector snapshots, and the HTTP retrieval API.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.reconcile(ctx); err != nil {
		return err
	}

	b, err := startPipeline(ctx, a)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	serverCfg := cfg.Server
	if addr != "" {
		serverCfg.Addr = addr
	}
	server := api.NewServer(serverCfg, a.retriever, a.meta, a.epoch, slog.Default())

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Index.SnapshotInterval > 0 {
		runner := index.NewSnapshotRunner(a.vector, a.vectorPath, cfg.Index.SnapshotInterval, slog.Default())
		g.Go(func() error {
			runner.Run(gctx)
			return nil
		})
	}
	if cfg.Pipeline.SpoolDir != "" {
		watcher := pipeline.NewSpoolWatcher(cfg.Pipeline.SpoolDir,
			pipeline.NewIngestor(b, slog.Default()), slog.Default())
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	slog.Info("corpusd_started",
		slog.String("addr", serverCfg.Addr),
		slog.String("data_dir", cfg.DataDir),
		slog.Uint64("epoch", a.epoch.Current()))
	return g.Wait()
}

// startPipeline builds the stage consumers and subscribes them to a fresh
// in-memory bus. The deduper's LSH index is rebuilt from the metadata store
// so near-duplicate detection survives restarts.
func startPipeline(ctx context.Context, a *app) (*bus.MemoryBus, error) {
	deduper := dedupe.New(a.meta, dedupe.Config{
		Kind:        corpus.FingerprintKind(cfg.Dedupe.Fingerprint),
		Threshold:   cfg.Dedupe.Threshold,
		Bands:       cfg.Dedupe.Bands,
		ShingleSize: cfg.Dedupe.ShingleSize,
		Logger:      slog.Default(),
	})
	if err := deduper.Rebuild(ctx); err != nil {
		return nil, err
	}

	chunker := newChunker()

	b := bus.NewMemoryBus(bus.MemoryBusConfig{
		Partitions:    cfg.Pipeline.Workers,
		MaxDeliveries: cfg.Pipeline.MaxDeliveries,
		Logger:        slog.Default(),
	})
	p := pipeline.New(b, deduper, chunker, a.indexer, slog.Default())
	if err := p.Start(); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chilleregeravi/agents/internal/bus"
	"github.com/chilleregeravi/agents/internal/pipeline"
)

// newIngestCmd creates the ingest command.
func newIngestCmd() *cobra.Command {
	var watchDir string

	cmd := &cobra.Command{
		Use:   "ingest [<file.json> ...]",
		Short: "Ingest normalized document files through the full pipeline",
		Long: `Reads normalized document JSON files, runs them through dedup,
chunking, and indexing, and commits the result to the data directory.
Each file holds one document object or a stream of them. With --watch,
keeps running and ingests files as they land in the spool directory.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watchDir == "" && len(args) == 0 {
				return fmt.Errorf("requires at least one file argument or --watch")
			}
			return runIngest(cmd, args, watchDir)
		},
	}

	cmd.Flags().StringVar(&watchDir, "watch", "", "Spool directory to watch for document files")
	return cmd
}

func runIngest(cmd *cobra.Command, paths []string, watchDir string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := startPipeline(ctx, a)
	if err != nil {
		return err
	}

	ingestor := pipeline.NewIngestor(b, nil)
	published := 0
	for _, path := range paths {
		n, err := ingestor.IngestFile(ctx, path)
		published += n
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
	}

	if watchDir != "" {
		watchCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		fmt.Fprintf(cmd.OutOrStdout(), "watching %s for document files, ctrl-c to stop\n", watchDir)
		watcher := pipeline.NewSpoolWatcher(watchDir, ingestor, nil)
		if err := watcher.Run(watchCtx); err != nil {
			return err
		}
	}

	waitForQuiet(ctx, b)
	stats := b.Stats()
	if err := b.Close(); err != nil {
		return err
	}

	docs, canonical, chunks, err := a.meta.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"ingested %d documents (%d tracked, %d canonical, %d chunks indexed, epoch %d)\n",
		published, docs, canonical, chunks, a.epoch.Current())
	if stats.DeadLettered > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "warning: %d events dead-lettered, see logs\n", stats.DeadLettered)
	}
	return nil
}

// waitForQuiet blocks until the bus delivery counters stop moving, i.e.
// every published event has worked its way through the stages.
func waitForQuiet(ctx context.Context, b *bus.MemoryBus) {
	prev := b.Stats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
		cur := b.Stats()
		if cur == prev {
			return
		}
		prev = cur
	}
}

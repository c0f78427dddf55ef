package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/chilleregeravi/agents/internal/index"
)

// newCheckCmd creates the check command.
func newCheckCmd() *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify lexical/vector index consistency",
		Long: `Compares the metadata store against both indexes and reports any
divergence. With --repair, orphaned index entries are deleted and missing
entries are rebuilt from the metadata store.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			checker := index.NewConsistencyChecker(a.meta, a.lexical, a.vector, slog.Default())
			result, err := checker.Check(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "metadata: %d chunks, lexical: %d, vector: %d\n",
				result.MetadataCount, result.LexicalCount, result.VectorCount)
			if result.Consistent() {
				fmt.Fprintln(out, "indexes are consistent")
				return nil
			}

			for _, issue := range result.Issues {
				fmt.Fprintf(out, "  %s: %s\n", issue.Type, issue.ChunkID)
			}
			if !repair {
				return fmt.Errorf("found %d inconsistencies (run with --repair to fix)", len(result.Issues))
			}

			if err := checker.Repair(ctx, result, a.indexer.Reindex); err != nil {
				return err
			}
			fmt.Fprintf(out, "repaired %d inconsistencies\n", len(result.Issues))
			return nil
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "Repair detected inconsistencies")
	return cmd
}

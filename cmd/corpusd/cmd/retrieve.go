package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chilleregeravi/agents/internal/corpus"
)

// newRetrieveCmd creates the retrieve command.
func newRetrieveCmd() *cobra.Command {
	var (
		tenant     string
		k          int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Query the indexed corpus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.retriever.Retrieve(ctx, &corpus.Query{
				TenantID: tenant,
				Text:     args[0],
				K:        k,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			if len(result.Results) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no results (epoch %d)\n", result.Epoch)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d results (epoch %d)\n\n", len(result.Results), result.Epoch)
			for i, r := range result.Results {
				fmt.Fprintf(cmd.OutOrStdout(), "%2d. [%.3f] %s\n", i+1, r.Score, r.Citation.SourceURL)
				fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", snippet(r.Text, 160))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", corpus.DefaultTenant, "Tenant to query")
	cmd.Flags().IntVar(&k, "k", 10, "Number of results")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	return cmd
}

// snippet truncates text to max bytes on a rune boundary.
func snippet(text string, max int) string {
	if len(text) <= max {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}

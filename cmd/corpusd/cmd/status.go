package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// corpusStatus is the status command's JSON payload.
type corpusStatus struct {
	DataDir            string `json:"data_dir"`
	Documents          int    `json:"documents"`
	CanonicalDocuments int    `json:"canonical_documents"`
	Chunks             int    `json:"chunks"`
	LexicalIndexed     int    `json:"lexical_indexed"`
	VectorIndexed      int    `json:"vector_indexed"`
	VectorOrphans      int    `json:"vector_orphans"`
	Epoch              uint64 `json:"epoch"`
	EmbeddingModel     string `json:"embedding_model"`
}

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show corpus counters and index state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			docs, canonical, chunks, err := a.meta.Counts(ctx)
			if err != nil {
				return err
			}
			status := corpusStatus{
				DataDir:            cfg.DataDir,
				Documents:          docs,
				CanonicalDocuments: canonical,
				Chunks:             chunks,
				LexicalIndexed:     a.lexical.Count(),
				VectorIndexed:      a.vector.Count(),
				VectorOrphans:      a.vector.Orphans(),
				Epoch:              a.epoch.Current(),
				EmbeddingModel:     a.embedder.ModelName(),
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "data dir:   %s\n", status.DataDir)
			fmt.Fprintf(out, "documents:  %d (%d canonical)\n", status.Documents, status.CanonicalDocuments)
			fmt.Fprintf(out, "chunks:     %d (lexical %d, vector %d, orphans %d)\n",
				status.Chunks, status.LexicalIndexed, status.VectorIndexed, status.VectorOrphans)
			fmt.Fprintf(out, "epoch:      %d\n", status.Epoch)
			fmt.Fprintf(out, "embedder:   %s\n", status.EmbeddingModel)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	return cmd
}

// Package cmd provides the CLI commands for corpusd.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/chilleregeravi/agents/internal/config"
	"github.com/chilleregeravi/agents/internal/logging"
	"github.com/chilleregeravi/agents/pkg/version"
)

var (
	cfgPath   string
	debugMode bool

	cfg            *config.Config
	loggingCleanup func()
)

// NewRootCmd creates the root command for the corpusd CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpusd",
		Short: "Document research corpus daemon",
		Long: `corpusd is the retrieval core of a document research pipeline.

It consumes normalized documents, deduplicates them, splits the survivors
into content-addressed chunks, indexes those into a hybrid lexical/vector
index, and serves ranked, cited retrieval over HTTP.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("corpusd version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (defaults apply when missing)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.PersistentPreRunE = setupRuntime
	cmd.PersistentPostRun = teardownRuntime

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newRetrieveCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setupRuntime loads configuration and wires structured logging before any
// subcommand runs.
func setupRuntime(_ *cobra.Command, _ []string) error {
	loaded, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	cfg = loaded

	level := cfg.LogLevel
	if debugMode {
		level = "debug"
	}
	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         level,
		FilePath:      logging.DefaultLogPath(),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: debugMode,
	})
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

func teardownRuntime(_ *cobra.Command, _ []string) {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// Package cli provides the command-line interface for politopics-ingest.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/keyhole-koro/politopics-ingest/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Loaded once in PersistentPreRunE, shared by all commands.
	cfg        config.Config
	logger     *slog.Logger
	logCleanup func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "politopics-ingest",
	Short: "Legislative meeting transcript ingestion pipeline",
	Long: `politopics-ingest fetches meeting transcripts from the National Diet
minutes API, packs speeches into token-budgeted prompt chunks, persists
task plans to DynamoDB and S3, and hands prompt work to the downstream
LLM worker queue.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger, logCleanup = config.SetupLogger(cfg.LogFile, level)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCleanup != nil {
			_ = logCleanup()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
}

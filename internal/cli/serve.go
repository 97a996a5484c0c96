package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keyhole-koro/politopics-ingest/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP run trigger",
	Long: `Start the HTTP server exposing POST /run, authenticated with the
x-api-key header. Requests carry an optional JSON body with from/until
bounds and a bypassCache flag.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := server.New(cfg.ListenAddr, cfg.RunAPIKey, svc, logger)
	logger.Info("trigger server starting", "addr", cfg.ListenAddr, "version", Version)
	return srv.Run(ctx)
}

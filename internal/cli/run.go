package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyhole-koro/politopics-ingest/internal/dietapi"
	"github.com/keyhole-koro/politopics-ingest/internal/ingest"
)

var (
	runFrom        string
	runUntil       string
	runBypassCache bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one ingestion pass",
	Long: `Fetch meetings for a date range, build prompt task plans and enqueue
them for the LLM workers.

Without --from/--until the run covers the scheduled default: the last
three weeks up to today (JST).

Examples:
  politopics-ingest run
  politopics-ingest run --from 2025-08-01 --until 2025-08-15
  politopics-ingest run --from 2025-08-20 --bypass-cache`,
	Args: cobra.NoArgs,
	RunE: runIngestion,
}

func init() {
	runCmd.Flags().StringVar(&runFrom, "from", "", "range start (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runUntil, "until", "", "range end (YYYY-MM-DD)")
	runCmd.Flags().BoolVar(&runBypassCache, "bypass-cache", false, "skip the upstream response cache")
}

func runIngestion(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var rng dietapi.RunRange
	if runFrom == "" && runUntil == "" {
		rng = ingest.DefaultCronRange(time.Now())
	} else {
		var err error
		rng, err = ingest.ResolveRange(runFrom, runUntil, time.Now())
		if err != nil {
			return err
		}
	}

	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}

	result, err := svc.Run(ctx, rng, runBypassCache)
	if err != nil {
		return fmt.Errorf("ingestion run: %w", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/trendkeeper/trendkeeper/internal/app"
	"github.com/trendkeeper/trendkeeper/internal/config"
	"github.com/trendkeeper/trendkeeper/internal/scheduler"
)

func newRefreshCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the stalest pairs once and exit",
		Long: `Performs a bounded one-shot pass through the refresh pipeline: the
stalest (subject, region) pairs are fetched under the same rate gate the
daemon uses, recorded, and saved. Useful for ad-hoc catch-up without
running the server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			results, harvestErr := a.Scheduler().Harvest(ctx, count)
			printHarvest(cmd.OutOrStdout(), results)
			if harvestErr != nil {
				return fmt.Errorf("harvest: %w", harvestErr)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of stalest pairs to refresh")
	return cmd
}

func printHarvest(out io.Writer, results []scheduler.HarvestResult) {
	if len(results) == 0 {
		fmt.Fprintln(out, "nothing to refresh: every pair is within the staleness threshold")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SUBJECT\tREGION\tOUTCOME\tSCORE\tDURATION\tDETAIL")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\t%s\n",
			r.Subject,
			r.Region,
			r.Outcome,
			r.Score,
			r.Duration.Round(time.Millisecond),
			r.Detail,
		)
	}
	_ = w.Flush()
}

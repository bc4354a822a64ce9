// Package cmd defines the CLI commands for the trendkeeper executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trendkeeper",
		Short: "Background refresher for the interest dataset",
		Long: `trendkeeper keeps a large set of (subject, region) interest readings
fresh against a rate-limited upstream. The serve command runs the
background refresher with its HTTP control surface; refresh performs a
bounded one-shot pass for ad-hoc catch-up.`,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (defaults plus TRENDKEEPER_* env vars apply without one)")
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRefreshCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

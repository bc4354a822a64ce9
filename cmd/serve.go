package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trendkeeper/trendkeeper/internal/app"
	"github.com/trendkeeper/trendkeeper/internal/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background refresher and its control API",
		Long: `Starts the refresh loop and the HTTP control surface, then blocks
until SIGINT or SIGTERM. When a config file is given, safe tunables are
hot-reloaded on change; everything else requires a restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if cfgFile != "" {
				if err := config.Watch(cfgFile, a.Logger().Named("config"), a.ApplyTunables); err != nil {
					a.Logger().Warn("config watch disabled", zap.Error(err))
				}
			}
			return a.Run(cmd.Context())
		},
	}
}

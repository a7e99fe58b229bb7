package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"clusterproxy/internal/app"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy and the admin API",
		Long: `Starts the HTTPS router on the configured port, the admin API used by
the other clusterproxy commands, and one kube-auth-proxy per cluster on
demand. Enabled clusters are activated in the background.

Configuration:
  clusterproxy layers ~/.config/clusterproxy/config.yaml, clusters added at
  runtime (~/.config/clusterproxy/clusters.yaml) and .clusterproxy/config.yaml
  in the current directory. Use --config to load a single file instead.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.NewConfig(configPath, serveDebug, rootCmd.Version)

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

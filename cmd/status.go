package cmd

import (
	"github.com/spf13/cobra"

	"clusterproxy/internal/cli"
	"clusterproxy/internal/tui"
)

var (
	statusOutputFormat string
	statusWatch        bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the connection state of every cluster",
		Long: `Shows every registered cluster with its health state, detected
Kubernetes version and distribution, and whether its auth proxy is running.

With --watch an interactive dashboard polls the server and lets you
activate, refresh, reconnect or disconnect the selected cluster.

Note: the server must be running (use 'clusterproxy serve').`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
	cmd.Flags().StringVarP(&statusOutputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	cmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Open the interactive dashboard")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(statusOutputFormat)
	if err != nil {
		return err
	}
	client, settings, err := adminClient()
	if err != nil {
		return err
	}

	if statusWatch {
		return tui.Run(cmd.Context(), tui.Options{Source: client, ProxyPort: settings.Proxy.Port})
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()
	statuses, err := client.ListClusters(ctx)
	if err != nil {
		return err
	}
	return cli.PrintStatuses(cmd.OutOrStdout(), format, statuses)
}

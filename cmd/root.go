package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// configPath is the --config flag shared by every command.
var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "clusterproxy",
	Short: "Local HTTPS gateway to your Kubernetes clusters",
	Long: `clusterproxy runs a local HTTPS reverse proxy that fronts one
kube-auth-proxy per configured cluster. Each cluster is reachable at
https://<cluster>.localhost:<port>, with health tracking, authentication
backoff and interactive shell sessions.`,
	// SilenceUsage is set to true to prevent printing usage message on errors
	// handled by us (e.g. unreachable server, failed cluster actions)
	SilenceUsage: true,
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "clusterproxy version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: layered user, saved and project config)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newClusterCmd())
	rootCmd.AddCommand(newPowerCmd())
	rootCmd.AddCommand(newTokenCmd())
}

package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"clusterproxy/internal/cli"
	"clusterproxy/internal/config"
)

const commandTimeout = 2 * time.Minute

// loadSettings and newAdminClient are replaced in tests.
var (
	loadSettings = func() (config.Config, error) {
		return config.LoadConfig(configPath)
	}
	newAdminClient = func(settings config.Config) (*cli.Client, error) {
		return cli.NewClientFromSettings(settings)
	}
)

func adminClient() (*cli.Client, config.Config, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, config.Config{}, err
	}
	client, err := newAdminClient(settings)
	if err != nil {
		return nil, config.Config{}, err
	}
	return client, settings, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, commandTimeout)
}

package cmd

import (
	"fmt"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"
)

var (
	tokenTabID string
	tokenCopy  bool
)

// copyToClipboard is replaced in tests.
var copyToClipboard = clipboard.WriteAll

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <cluster>",
		Short: "Issue a single-use token for a shell or port-forward session",
		Long: `Issues a short-lived, single-use token bound to a cluster and a tab id.
Pass it as ?shellToken=... together with ?id=<tab> on the /api or
/port-forward WebSocket upgrade of https://<cluster>.localhost:<port>.`,
		Args: cobra.ExactArgs(1),
		RunE: runToken,
	}
	cmd.Flags().StringVar(&tokenTabID, "tab", "", "Tab id the token is bound to")
	cmd.Flags().BoolVar(&tokenCopy, "copy", false, "Copy the token to the clipboard")
	_ = cmd.MarkFlagRequired("tab")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	client, _, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	resp, err := client.ShellToken(ctx, args[0], tokenTabID)
	if err != nil {
		return err
	}

	if tokenCopy {
		if err := copyToClipboard(resp.Token); err != nil {
			return fmt.Errorf("failed to copy token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Token copied to clipboard")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
	return nil
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPowerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "power <event>",
		Short: "Send a power event to the server",
		Long: `Reports a system power event. While the system is suspended or the
screen is locked, cluster traffic fails fast and health checks pause.

Events: suspend, resume, lock-screen, unlock-screen.

Hook this into your session manager, e.g. a systemd sleep hook running
'clusterproxy power suspend' and 'clusterproxy power resume'.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"suspend", "resume", "lock-screen", "unlock-screen"},
		RunE:      runPower,
	}
	return cmd
}

func runPower(cmd *cobra.Command, args []string) error {
	client, _, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := client.Power(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Power event %s delivered\n", args[0])
	return nil
}

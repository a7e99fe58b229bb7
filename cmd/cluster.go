package cmd

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"k8s.io/client-go/tools/clientcmd"

	"clusterproxy/internal/cli"
	"clusterproxy/internal/cluster"
	"clusterproxy/internal/kube"
)

var (
	clusterOutputFormat string

	addKubeconfig string
	addContext    string
	addName       string
	addHTTPSProxy string
	addDisabled   bool

	importKubeconfig string
	importContexts   []string
	importEnable     bool
)

func newClusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage clusters",
		Long: `Manage the clusters served by a running clusterproxy.

Available commands:
  list        - List clusters with their connection state
  show        - Show one cluster
  add         - Register a cluster
  import      - Register clusters from kubeconfig contexts
  remove      - Unregister a cluster and stop its auth proxy
  activate    - Detect metadata for a cluster
  refresh     - Re-detect metadata (respects authentication backoff)
  reconnect   - Restart the auth proxy and clear backoff
  disconnect  - Stop the auth proxy
  forwards    - List active port forwards

Note: the server must be running (use 'clusterproxy serve').`,
	}
	cmd.PersistentFlags().StringVarP(&clusterOutputFormat, "output", "o", "table", "Output format (table, json, yaml)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all clusters",
		Args:  cobra.NoArgs,
		RunE:  runClusterList,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <cluster>",
		Short: "Show a cluster",
		Args:  cobra.ExactArgs(1),
		RunE:  runClusterShow,
	})
	cmd.AddCommand(newClusterAddCmd())
	cmd.AddCommand(newClusterImportCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <cluster>",
		Short: "Unregister a cluster",
		Args:  cobra.ExactArgs(1),
		RunE:  runClusterRemove,
	})
	for _, action := range []struct{ name, short string }{
		{"activate", "Detect version and distribution of a cluster"},
		{"refresh", "Re-detect cluster metadata"},
		{"reconnect", "Restart the auth proxy and reset backoff"},
		{"disconnect", "Stop the auth proxy of a cluster"},
	} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action.name + " <cluster>",
			Short: action.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runClusterAction(cmd, args[0], action.name)
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "forwards <cluster>",
		Short: "List active port forwards of a cluster",
		Args:  cobra.ExactArgs(1),
		RunE:  runClusterForwards,
	})
	return cmd
}

func newClusterAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <cluster>",
		Short: "Register a cluster",
		Long: `Register a cluster under the given id. The id becomes the first label
of https://<cluster>.localhost:<port> and must be a DNS label.

Clusters added this way are saved and come back after a restart.`,
		Args: cobra.ExactArgs(1),
		RunE: runClusterAdd,
	}
	cmd.Flags().StringVar(&addKubeconfig, "kubeconfig", "", "Kubeconfig file (default: ~/.kube/config)")
	cmd.Flags().StringVar(&addContext, "context", "", "Kubeconfig context (default: the cluster id)")
	cmd.Flags().StringVar(&addName, "name", "", "Display name")
	cmd.Flags().StringVar(&addHTTPSProxy, "https-proxy", "", "HTTPS proxy for the auth proxy")
	cmd.Flags().BoolVar(&addDisabled, "disabled", false, "Register without activating on startup")
	return cmd
}

func newClusterImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Register clusters from kubeconfig contexts",
		Long: `Registers one cluster per kubeconfig context. Context names are turned
into valid cluster ids. Contexts whose id is already registered are skipped.`,
		Args: cobra.NoArgs,
		RunE: runClusterImport,
	}
	cmd.Flags().StringVar(&importKubeconfig, "kubeconfig", "", "Kubeconfig file (default: ~/.kube/config)")
	cmd.Flags().StringSliceVar(&importContexts, "context", nil, "Only import these contexts")
	cmd.Flags().BoolVar(&importEnable, "enable", false, "Activate imported clusters on startup")
	return cmd
}

func runClusterList(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(clusterOutputFormat)
	if err != nil {
		return err
	}
	client, _, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	statuses, err := client.ListClusters(ctx)
	if err != nil {
		return err
	}
	return cli.PrintStatuses(cmd.OutOrStdout(), format, statuses)
}

func runClusterShow(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(clusterOutputFormat)
	if err != nil {
		return err
	}
	client, _, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	status, err := client.GetCluster(ctx, args[0])
	if err != nil {
		return err
	}
	return cli.PrintStatuses(cmd.OutOrStdout(), format, []cluster.Status{status})
}

func runClusterAdd(cmd *cobra.Command, args []string) error {
	client, _, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	def := cluster.Definition{
		ID:         args[0],
		Name:       addName,
		Kubeconfig: kubeconfigOrDefault(addKubeconfig),
		Context:    addContext,
		HTTPSProxy: addHTTPSProxy,
		Enabled:    !addDisabled,
	}
	if def.Context == "" {
		def.Context = def.ID
	}

	status, err := client.AddCluster(ctx, def)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cluster %s added (%s)\n", status.ID, status.State)
	return nil
}

func runClusterImport(cmd *cobra.Command, args []string) error {
	kubeconfig := kubeconfigOrDefault(importKubeconfig)
	contexts, err := kube.ListContexts(kubeconfig)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(importContexts))
	for _, name := range importContexts {
		wanted[name] = true
	}

	client, _, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	imported := 0
	for _, kc := range contexts {
		if len(wanted) > 0 && !wanted[kc.Name] {
			continue
		}
		def := cluster.Definition{
			ID:         kube.SanitizeID(kc.Name),
			Name:       kc.Name,
			Kubeconfig: kubeconfig,
			Context:    kc.Name,
			Enabled:    importEnable,
		}
		if _, err := client.AddCluster(ctx, def); err != nil {
			var apiErr *cli.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
				fmt.Fprintf(out, "Skipped %s: cluster %s already exists\n", kc.Name, def.ID)
				continue
			}
			return fmt.Errorf("failed to import context %s: %w", kc.Name, err)
		}
		imported++
		fmt.Fprintf(out, "Imported %s as %s\n", kc.Name, def.ID)
	}
	fmt.Fprintf(out, "%d cluster(s) imported\n", imported)
	return nil
}

func runClusterRemove(cmd *cobra.Command, args []string) error {
	client, _, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := client.RemoveCluster(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cluster %s removed\n", args[0])
	return nil
}

func runClusterAction(cmd *cobra.Command, id, action string) error {
	format, err := cli.ParseOutputFormat(clusterOutputFormat)
	if err != nil {
		return err
	}
	client, _, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	status, err := client.Action(ctx, id, action)
	if err != nil {
		var apiErr *cli.APIError
		if errors.As(err, &apiErr) && apiErr.Status != nil {
			_ = cli.PrintStatuses(cmd.OutOrStdout(), format, []cluster.Status{*apiErr.Status})
		}
		return err
	}
	return cli.PrintStatuses(cmd.OutOrStdout(), format, []cluster.Status{status})
}

func runClusterForwards(cmd *cobra.Command, args []string) error {
	client, _, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	forwards, err := client.Forwards(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(forwards) == 0 {
		fmt.Fprintln(out, "No active port forwards")
		return nil
	}
	for _, f := range forwards {
		fmt.Fprintf(out, "%s\t%s/%s/%s\tpod %s\t127.0.0.1:%d -> %d\n", f.ID, f.Namespace, f.Kind, f.Name, f.Pod, f.LocalPort, f.Port)
	}
	return nil
}

func kubeconfigOrDefault(path string) string {
	if path == "" {
		return clientcmd.RecommendedHomeFile
	}
	return path
}

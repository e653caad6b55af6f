// Package cli — check.go implements the "kproxyd check" command.
//
// The check command resolves the API endpoint for a configured cluster
// and reports it without starting a proxy. It is the cheap way to
// verify that a cluster entry, its kubeconfig path, and the named
// context all line up before paying for a full proxy launch.
package cli

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/kproxyd/internal/config"
	"github.com/mmr-tortoise/kproxyd/internal/kubeconfig"
	"github.com/mmr-tortoise/kproxyd/internal/model"
)

// NewCheckCommand creates the "check" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <cluster>",
		Short: "Verify a cluster's kubeconfig resolves to an API endpoint",
		Long: `Resolve the named cluster's kubeconfig and report the API server
endpoint it points at, without starting a proxy.

A failing check exits with code 5 and explains what could not be
resolved (missing kubeconfig, unknown context, cluster without a
server URL).

Examples:
  kproxyd check staging
  kproxyd check --json production`,

		// Exactly one positional argument (cluster name) is required.
		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(args[0])
		},
	}

	return cmd
}

// runCheck is the main logic function for the check command.
func runCheck(clusterName string) error {
	dir, err := config.Dir()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "locating config directory", err)
	}

	clusters, err := config.LoadClusters(dir)
	if err != nil {
		return err
	}
	cluster, err := config.FindCluster(clusters, clusterName)
	if err != nil {
		return err
	}

	log.Debug().
		Str("cluster", cluster.Name).
		Str("kubeconfig", cluster.Kubeconfig).
		Msg("resolving API endpoint")

	endpoint, err := kubeconfig.NewResolver().Resolve(cluster.Kubeconfig, cluster.Context)
	if err != nil {
		return err // Resolve already returns CLIError with ExitClusterError
	}

	printCheckResult(cluster, endpoint)
	return nil
}

// printCheckResult outputs the resolved endpoint in text or JSON format.
func printCheckResult(cluster model.Cluster, endpoint model.Endpoint) {
	if IsJSONOutput() {
		type resultJSON struct {
			Cluster  string `json:"cluster"`
			Context  string `json:"context"`
			Server   string `json:"server"`
			Hostname string `json:"hostname"`
		}
		data, _ := json.MarshalIndent(resultJSON{
			Cluster:  cluster.Name,
			Context:  FormatContextName(cluster.Context),
			Server:   endpoint.Server,
			Hostname: endpoint.Hostname,
		}, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("Cluster %q resolves\n", cluster.Name)
	fmt.Printf("  Context:  %s\n", FormatContextName(cluster.Context))
	fmt.Printf("  Server:   %s\n", endpoint.Server)
	fmt.Printf("  Hostname: %s\n", endpoint.Hostname)
}

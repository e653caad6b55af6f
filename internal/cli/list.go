// Package cli — list.go implements the "kproxyd list" command.
//
// The list command displays the clusters configured in clusters.yaml as
// a text table or JSON array, depending on the --json flag. It reads
// only the config directory; no proxy is started and no kubeconfig is
// opened.
package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/kproxyd/internal/config"
	"github.com/mmr-tortoise/kproxyd/internal/model"
)

// NewListCommand creates the "list" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured clusters",
		Long: `List the clusters defined in clusters.yaml.

Each cluster is shown with its name, kubeconfig path, and context.

Examples:
  kproxyd list
  kproxyd list --json`,

		// No positional arguments are required for the list command.
		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runList()
		},
	}

	return cmd
}

// runList is the main logic function for the list command.
func runList() error {
	dir, err := config.Dir()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "locating config directory", err)
	}

	clusters, err := config.LoadClusters(dir)
	if err != nil {
		return err // LoadClusters already returns CLIError
	}

	printListResult(clusters)
	return nil
}

// printListResult outputs the cluster list in text or JSON format,
// depending on the global --json flag.
func printListResult(clusters []model.Cluster) {
	if IsJSONOutput() {
		printListResultJSON(clusters)
	} else {
		printListResultText(clusters)
	}
}

// listClusterJSON is the JSON output structure for a single cluster
// in the list command.
type listClusterJSON struct {
	Name       string `json:"name"`
	Kubeconfig string `json:"kubeconfig"`
	Context    string `json:"context"`
}

// printListResultJSON outputs the cluster list as structured JSON.
// The top-level key is "clusters" containing an array of cluster objects.
func printListResultJSON(clusters []model.Cluster) {
	type resultJSON struct {
		Clusters []listClusterJSON `json:"clusters"`
	}

	result := resultJSON{
		// Use an empty slice instead of nil to ensure JSON output shows []
		// instead of null when no clusters are configured.
		Clusters: make([]listClusterJSON, 0, len(clusters)),
	}

	for _, c := range clusters {
		result.Clusters = append(result.Clusters, listClusterJSON{
			Name:       c.Name,
			Kubeconfig: c.Kubeconfig,
			Context:    FormatContextName(c.Context),
		})
	}

	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

// printListResultText outputs the cluster list as a human-readable
// text table with aligned columns.
//
// The table format is:
//
//	NAME       CONTEXT           KUBECONFIG
//	staging    staging-admin     /home/dev/.kube/staging.yaml
//	prod       (current)         /home/dev/.kube/prod.yaml
func printListResultText(clusters []model.Cluster) {
	if len(clusters) == 0 {
		fmt.Println("No clusters configured.")
		return
	}

	fmt.Printf("%-20s %-24s %s\n", "NAME", "CONTEXT", "KUBECONFIG")
	for _, c := range clusters {
		fmt.Printf("%-20s %-24s %s\n", c.Name, FormatContextName(c.Context), c.Kubeconfig)
	}
}

// FormatContextName renders a cluster's context column. An empty
// context means "use the kubeconfig's current-context", which is shown
// as "(current)" rather than a blank cell.
//
// This function is exported for testing purposes (tested in list_test.go).
func FormatContextName(contextName string) string {
	if contextName == "" {
		return "(current)"
	}
	return contextName
}

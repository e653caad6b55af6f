// Package kubeconfig resolves the upstream API endpoint for a cluster
// from its kubeconfig file.
//
// Only the minimal slice of the kubeconfig schema is parsed: clusters,
// contexts, and current-context. Credentials are never read here — the
// proxy process consumes the kubeconfig itself; the supervisor only
// needs the API server hostname to issue a matching certificate.
//
// Parsing uses gopkg.in/yaml.v3 with structs covering just the fields
// of interest; unknown fields are silently ignored.
package kubeconfig

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/kproxyd/internal/model"
)

// rawConfig mirrors the subset of the kubeconfig v1 schema needed for
// endpoint resolution.
type rawConfig struct {
	CurrentContext string       `yaml:"current-context"`
	Clusters       []namedEntry `yaml:"clusters"`
	Contexts       []namedEntry `yaml:"contexts"`
}

// namedEntry covers kubeconfig's name/body pattern shared by the
// clusters and contexts lists.
type namedEntry struct {
	Name    string      `yaml:"name"`
	Cluster clusterBody `yaml:"cluster"`
	Context contextBody `yaml:"context"`
}

type clusterBody struct {
	Server string `yaml:"server"`
}

type contextBody struct {
	Cluster string `yaml:"cluster"`
}

// Resolver loads kubeconfig files and resolves API endpoints.
//
// The struct is stateless; it exists as a receiver so a caching or
// fake implementation can satisfy the same method set in tests.
type Resolver struct{}

// NewResolver creates a new Resolver instance.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the API endpoint for the given kubeconfig path and
// context name. An empty contextName selects the file's current-context.
//
// All failure modes (unreadable file, unknown context, cluster without
// a server URL, unparseable URL) are wrapped in a model.CLIError with
// ExitClusterError.
func (r *Resolver) Resolve(path, contextName string) (model.Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Endpoint{}, model.WrapCLIError(model.ExitClusterError,
			fmt.Sprintf("failed to read kubeconfig %q", path), err)
	}

	var cfg rawConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Endpoint{}, model.WrapCLIError(model.ExitClusterError,
			fmt.Sprintf("failed to parse kubeconfig %q", path), err)
	}

	if contextName == "" {
		contextName = cfg.CurrentContext
	}
	if contextName == "" {
		return model.Endpoint{}, model.NewCLIError(model.ExitClusterError,
			fmt.Sprintf("kubeconfig %q has no current-context and no context was specified", path))
	}

	clusterName := ""
	for _, c := range cfg.Contexts {
		if c.Name == contextName {
			clusterName = c.Context.Cluster
			break
		}
	}
	if clusterName == "" {
		return model.Endpoint{}, model.NewCLIError(model.ExitClusterError,
			fmt.Sprintf("context %q not found in kubeconfig %q", contextName, path))
	}

	server := ""
	for _, c := range cfg.Clusters {
		if c.Name == clusterName {
			server = c.Cluster.Server
			break
		}
	}
	if server == "" {
		return model.Endpoint{}, model.NewCLIError(model.ExitClusterError,
			fmt.Sprintf("cluster %q in kubeconfig %q has no server URL", clusterName, path))
	}

	u, err := url.Parse(server)
	if err != nil || u.Hostname() == "" {
		return model.Endpoint{}, model.WrapCLIError(model.ExitClusterError,
			fmt.Sprintf("cluster %q has unparseable server URL %q", clusterName, server), err)
	}

	return model.Endpoint{
		Hostname: u.Hostname(),
		Server:   server,
	}, nil
}

// Package config loads kproxyd's two configuration files:
//
//   - clusters.yaml — the declarative list of clusters the tool can
//     launch a proxy for, parsed with gopkg.in/yaml.v3.
//   - settings.jsonc — operational knobs (proxy binary, runtime
//     selection, reachability tuning) in JSONC, since hand-edited
//     settings files accumulate comments. Comments are stripped with
//     github.com/tidwall/jsonc before standard encoding/json parsing.
//
// Both files live in the config directory, which defaults to
// ~/.config/kproxyd and can be overridden with the KPROXYD_CONFIG_DIR
// environment variable.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/kproxyd/internal/model"
)

// ClustersFileName is the name of the cluster list file inside the
// config directory.
const ClustersFileName = "clusters.yaml"

// clustersFile mirrors the on-disk YAML document.
type clustersFile struct {
	Clusters []model.Cluster `yaml:"clusters"`
}

// Dir returns the configuration directory: KPROXYD_CONFIG_DIR when set,
// otherwise ~/.config/kproxyd.
func Dir() (string, error) {
	if dir := os.Getenv("KPROXYD_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "kproxyd"), nil
}

// LoadClusters reads and validates the cluster list from the given
// config directory.
//
// Validation enforces per-entry field rules and name uniqueness; a
// duplicate name would make `kproxyd run <name>` ambiguous. Kubeconfig
// paths are made absolute relative to the config directory so entries
// can use relative paths.
//
// Returns a CLIError with ExitConfigNotFound if the file is missing or
// malformed.
func LoadClusters(dir string) ([]model.Cluster, error) {
	path := filepath.Join(dir, ClustersFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(model.ExitConfigNotFound,
				fmt.Sprintf("cluster configuration not found: %s", path), err)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var file clustersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigNotFound,
			fmt.Sprintf("failed to parse %s", path), err)
	}

	seen := make(map[string]bool, len(file.Clusters))
	for i := range file.Clusters {
		c := &file.Clusters[i]
		if err := c.Validate(); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigNotFound,
				fmt.Sprintf("invalid cluster entry in %s", path), err)
		}
		if seen[c.Name] {
			return nil, model.NewCLIError(model.ExitConfigNotFound,
				fmt.Sprintf("duplicate cluster name %q in %s", c.Name, path))
		}
		seen[c.Name] = true

		if !filepath.IsAbs(c.Kubeconfig) {
			c.Kubeconfig = filepath.Join(dir, c.Kubeconfig)
		}
	}

	return file.Clusters, nil
}

// FindCluster returns the cluster with the given name from the list.
func FindCluster(clusters []model.Cluster, name string) (model.Cluster, error) {
	for _, c := range clusters {
		if c.Name == name {
			return c, nil
		}
	}
	return model.Cluster{}, model.NewCLIError(model.ExitConfigNotFound,
		fmt.Sprintf("cluster %q is not configured", name))
}

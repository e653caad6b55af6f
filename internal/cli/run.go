// Package cli — run.go implements the "kproxyd run" command.
//
// The run command launches a supervised proxy for one configured
// cluster and blocks until it is interrupted. The proxy's lifecycle
// messages stream to the log; once the proxy is verified reachable, the
// command prints the discovered port and the session's API prefix so a
// front-end can start routing requests through it.
//
// A second interrupt while teardown is in progress exits immediately.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/kproxyd/internal/certs"
	"github.com/mmr-tortoise/kproxyd/internal/config"
	"github.com/mmr-tortoise/kproxyd/internal/kubeconfig"
	"github.com/mmr-tortoise/kproxyd/internal/model"
	"github.com/mmr-tortoise/kproxyd/internal/port"
	"github.com/mmr-tortoise/kproxyd/internal/proxy"
	"github.com/mmr-tortoise/kproxyd/internal/spawn"
	"github.com/mmr-tortoise/kproxyd/internal/status"
)

// NewRunCommand creates the "run" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <cluster>",
		Short: "Launch and supervise a proxy for a configured cluster",
		Long: `Launch the authenticating proxy for the named cluster and supervise it
until interrupted.

The command starts the proxy process, discovers the port it bound,
verifies the port accepts connections, and then keeps the proxy alive,
reporting lifecycle events as they happen. Startup failures are retried
with exponential backoff; after three consecutive failures the command
gives up with exit code 4.

Examples:
  kproxyd run staging
  kproxyd run --json production`,

		// Exactly one positional argument (cluster name) is required.
		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), args[0])
		},
	}

	return cmd
}

// runRun is the main logic function for the run command.
// It resolves the cluster, builds a session from the configured
// runtime, runs it to readiness, and holds until a signal arrives.
func runRun(ctx context.Context, clusterName string) error {
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

	settings, err := config.LoadSettings(dir)
	if err != nil {
		return model.WrapCLIError(model.ExitConfigNotFound, "loading settings", err)
	}

	log.Debug().
		Str("cluster", cluster.Name).
		Str("kubeconfig", cluster.Kubeconfig).
		Str("runtime", string(settings.Runtime)).
		Msg("resolved cluster configuration")

	spawner, closeSpawner, err := buildSpawner(ctx, settings)
	if err != nil {
		return err
	}
	defer closeSpawner()

	// The registry keys sessions by kubeconfig+context, so repeated runs
	// against the same cluster identity within one process reuse the
	// session and its API prefix.
	registry := proxy.NewRegistry(func(c model.Cluster) (*proxy.Session, error) {
		return buildSession(c, settings, spawner)
	})
	session, err := registry.Get(cluster)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "creating proxy session", err)
	}

	// Interrupts cancel the startup sequence and, once the proxy is
	// running, trigger its teardown.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Run(ctx); err != nil {
		session.Exit()
		return runError(cluster.Name, err)
	}

	proxyPort, err := session.Port()
	if err != nil {
		session.Exit()
		return model.WrapCLIError(model.ExitGeneralError, "reading proxy port", err)
	}

	printRunResult(cluster, proxyPort, session.APIPrefix())

	// Hold until interrupted; the watcher goroutines keep reporting
	// proxy output and death in the meantime.
	<-ctx.Done()

	log.Info().Str("cluster", cluster.Name).Msg("shutting down proxy")
	session.Exit()
	return nil
}

// buildSpawner constructs the process spawner selected by settings:
// direct execution by default, or a container-backed spawner when the
// runtime is "docker". The returned closer releases the Docker client
// connection; for the exec runtime it is a no-op.
func buildSpawner(ctx context.Context, settings config.Settings) (spawn.Spawner, func(), error) {
	if settings.Runtime != config.RuntimeDocker {
		return spawn.NewExecSpawner(), func() {}, nil
	}

	cli, err := spawn.NewClient()
	if err != nil {
		return nil, nil, err
	}
	if err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, nil, err
	}

	spawner, err := spawn.NewDockerSpawner(cli, settings.ProxyImage)
	if err != nil {
		_ = cli.Close()
		return nil, nil, model.WrapCLIError(model.ExitSpawnFailed, "creating docker spawner", err)
	}
	return spawner, func() { _ = cli.Close() }, nil
}

// sharedCerts is process-global so every session in this process shares
// the per-hostname certificate cache.
var sharedCerts = certs.NewProvider()

// buildSession assembles a proxy session from the cluster entry and
// settings, broadcasting lifecycle messages through the global logger.
func buildSession(cluster model.Cluster, settings config.Settings, spawner spawn.Spawner) (*proxy.Session, error) {
	return proxy.NewSession(proxy.Config{
		Cluster:     cluster,
		Spawner:     spawner,
		Resolver:    kubeconfig.NewResolver(),
		Certs:       sharedCerts,
		Broadcaster: status.NewLogBroadcaster(log.Logger, cluster.Name),
		ProxyPath:   settings.ProxyBinary,
		ProxyArgs:   settings.ProxyArgs,
		BaseEnv:     os.Environ(),
		Waiter: &port.Waiter{
			PollInterval: settings.ReachabilityInterval(),
			Timeout:      settings.ReachabilityTimeout(),
		},
	})
}

// runError maps a session failure onto the CLI error taxonomy.
func runError(clusterName string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		// Interrupted during startup; not a failure.
		return nil
	case errors.Is(err, model.ErrRetryExhausted):
		return model.WrapCLIError(model.ExitRetryExhausted,
			fmt.Sprintf("proxy for cluster %q never became ready", clusterName), err)
	case errors.Is(err, model.ErrSpawnFailed):
		return model.WrapCLIError(model.ExitSpawnFailed,
			fmt.Sprintf("proxy for cluster %q could not be started", clusterName), err)
	default:
		return model.WrapCLIError(model.ExitGeneralError,
			fmt.Sprintf("running proxy for cluster %q", clusterName), err)
	}
}

// printRunResult outputs the ready proxy's coordinates in text or JSON
// format.
func printRunResult(cluster model.Cluster, proxyPort int, apiPrefix string) {
	if IsJSONOutput() {
		type resultJSON struct {
			Cluster   string    `json:"cluster"`
			Port      int       `json:"port"`
			APIPrefix string    `json:"apiPrefix"`
			ReadyAt   time.Time `json:"readyAt"`
		}
		data, _ := json.MarshalIndent(resultJSON{
			Cluster:   cluster.Name,
			Port:      proxyPort,
			APIPrefix: apiPrefix,
			ReadyAt:   time.Now().UTC(),
		}, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("Proxy for cluster %q is ready\n", cluster.Name)
	fmt.Printf("  Address:    https://localhost:%d\n", proxyPort)
	fmt.Printf("  API prefix: /%s\n", apiPrefix)
}

package spawn

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mmr-tortoise/kproxyd/internal/model"
)

// LabelManagedBy marks containers created by the docker runtime so
// stray ones can be identified and cleaned up by hand.
const LabelManagedBy = "kproxyd.managed-by"

// ManagedByValue is the value stored under LabelManagedBy.
const ManagedByValue = "kproxyd"

// DockerSpawner runs the proxy image in a container instead of
// executing a local binary. The container uses host networking so the
// proxy's ephemeral port is dialable on localhost exactly like an
// exec-spawned process, and the spec's working directory is bind-mounted
// read-only so the kubeconfig path in the environment stays valid
// inside the container.
type DockerSpawner struct {
	cli   *Client
	image string
}

// NewDockerSpawner creates a DockerSpawner launching the given image
// through the client.
func NewDockerSpawner(cli *Client, image string) (*DockerSpawner, error) {
	if image == "" {
		return nil, fmt.Errorf("docker runtime requires a proxy image")
	}
	return &DockerSpawner{cli: cli, image: image}, nil
}

// Spawn creates and starts a container for the spec, wiring its log
// stream and exit status into a Handle.
//
// As with ExecSpawner, the context gates only container creation and
// start: the container must outlive the Run() call, so log following
// and exit waiting run under a background context until Kill.
func (s *DockerSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	cfg := &container.Config{
		Image:      s.image,
		Cmd:        spec.Args,
		Env:        spec.Env,
		WorkingDir: spec.Dir,
		Labels: map[string]string{
			LabelManagedBy: ManagedByValue,
		},
	}
	hostCfg := &container.HostConfig{
		// Host networking makes the proxy's port reachable on localhost,
		// which the reachability waiter requires.
		NetworkMode: "host",
	}
	if spec.Dir != "" {
		hostCfg.Binds = []string{spec.Dir + ":" + spec.Dir + ":ro"}
	}

	created, err := s.cli.Inner().ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: creating container from %q: %v", model.ErrSpawnFailed, s.image, err)
	}

	if err := s.cli.Inner().ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the never-started container.
		_ = s.cli.Inner().ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: starting container %s: %v", model.ErrSpawnFailed, created.ID[:12], err)
	}

	// Everything past this point runs under a background context tied to
	// the container's lifetime, not the spawn call's.
	streamCtx := context.Background()

	logs, err := s.cli.Inner().ContainerLogs(streamCtx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		_ = s.cli.Inner().ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: attaching to container %s logs: %v", model.ErrSpawnFailed, created.ID[:12], err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	// The log stream is multiplexed (the container has no TTY); stdcopy
	// demultiplexes it into the two pipes until the container exits and
	// the stream reaches EOF.
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, logs)
		_ = logs.Close()
		_ = stdoutW.CloseWithError(copyErr)
		_ = stderrW.CloseWithError(copyErr)
	}()

	h := &dockerHandle{
		cli:    s.cli,
		id:     created.ID,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan ExitStatus, 1),
	}

	waitCh, errCh := s.cli.Inner().ContainerWait(streamCtx, created.ID, container.WaitConditionNotRunning)
	go func() {
		select {
		case res := <-waitCh:
			if res.Error != nil {
				h.done <- ExitStatus{Err: fmt.Errorf("container wait: %s", res.Error.Message)}
			} else {
				h.done <- ExitStatus{Code: int(res.StatusCode)}
			}
		case err := <-errCh:
			h.done <- ExitStatus{Err: err}
		}
		// The container has ended one way or another; drop its remains.
		_ = s.cli.Inner().ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
	}()

	return h, nil
}

// dockerHandle adapts a running container to the Handle contract.
type dockerHandle struct {
	cli    *Client
	id     string
	stdout io.Reader
	stderr io.Reader
	done   chan ExitStatus
}

func (h *dockerHandle) Stdout() io.Reader {
	return h.stdout
}

func (h *dockerHandle) Stderr() io.Reader {
	return h.stderr
}

func (h *dockerHandle) Wait() <-chan ExitStatus {
	return h.done
}

// Kill force-removes the container. The wait goroutine observes the
// resulting exit through ContainerWait, so the done channel still
// delivers. Removal of an already-gone container is not an error.
func (h *dockerHandle) Kill() error {
	err := h.cli.Inner().ContainerRemove(context.Background(), h.id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

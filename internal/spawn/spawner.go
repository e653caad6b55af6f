package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/mmr-tortoise/kproxyd/internal/model"
)

// Spec describes one proxy process to launch.
type Spec struct {
	// Path is the executable to run (exec runtime) or a display name
	// for the container (docker runtime).
	Path string

	// Args are the process arguments, excluding the executable itself.
	Args []string

	// Env is the complete environment in KEY=VALUE form. The spawner
	// passes it through verbatim; composition over a base environment
	// is the caller's concern.
	Env []string

	// Dir is the working directory for the process.
	Dir string
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	// Code is the process exit code. Zero means a clean exit.
	Code int

	// Err is set when the exit could not be observed normally (wait
	// failure, runtime error); Code is meaningless in that case.
	Err error
}

// Clean reports whether the process ended with a zero exit code and no
// runtime error.
func (s ExitStatus) Clean() bool {
	return s.Err == nil && s.Code == 0
}

// Handle is a live spawned process. The supervisor owns at most one
// Handle at a time and releases it only through Kill.
type Handle interface {
	// Stdout returns the process standard output stream. The stream
	// reaches EOF when the process exits.
	Stdout() io.Reader

	// Stderr returns the process standard error stream.
	Stderr() io.Reader

	// Wait returns a channel that delivers the exit status exactly once
	// when the process ends, whether it dies on its own or is killed.
	Wait() <-chan ExitStatus

	// Kill terminates the process. Killing an already-dead process is
	// not an error.
	Kill() error
}

// Spawner launches proxy processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

// ExecSpawner launches the proxy binary directly via os/exec.
type ExecSpawner struct{}

// NewExecSpawner creates a new ExecSpawner.
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{}
}

// Spawn starts the process described by spec with piped stdout/stderr.
//
// The context gates the spawn itself, not the process lifetime: a proxy
// must outlive the Run() call that started it, and Kill is the only way
// to end it. Returns model.ErrSpawnFailed (wrapped) when the process
// cannot start, which the supervisor treats like any other mid-sequence
// failure.
func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSpawnFailed, err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir

	// Explicit os.Pipe ends instead of cmd.StdoutPipe: the StdoutPipe
	// readers are closed by cmd.Wait, which races against the stream
	// consumers. With our own pipes, the child inherits the write ends
	// and the read ends reach EOF exactly when the process exits.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", model.ErrSpawnFailed, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %v", model.ErrSpawnFailed, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		_ = stderrR.Close()
		_ = stderrW.Close()
		return nil, fmt.Errorf("%w: %v", model.ErrSpawnFailed, err)
	}

	// The child holds duplicates of the write ends; closing the parent's
	// copies ensures EOF propagates when the child exits.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	h := &execHandle{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan ExitStatus, 1),
	}

	// The wait goroutine is the single owner of cmd.Wait.
	go func() {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			h.done <- ExitStatus{Code: 0}
		case errors.As(err, &exitErr):
			h.done <- ExitStatus{Code: exitErr.ExitCode()}
		default:
			h.done <- ExitStatus{Err: err}
		}
	}()

	return h, nil
}

// execHandle adapts exec.Cmd to the Handle contract.
type execHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	done   chan ExitStatus
}

func (h *execHandle) Stdout() io.Reader {
	return h.stdout
}

func (h *execHandle) Stderr() io.Reader {
	return h.stderr
}

func (h *execHandle) Wait() <-chan ExitStatus {
	return h.done
}

// Kill terminates the process. A process that already exited is exactly
// the state Kill wants to reach, so os.ErrProcessDone is not an error.
func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

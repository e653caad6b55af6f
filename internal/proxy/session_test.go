package proxy

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/kproxyd/internal/model"
	"github.com/mmr-tortoise/kproxyd/internal/port"
	"github.com/mmr-tortoise/kproxyd/internal/retry"
	"github.com/mmr-tortoise/kproxyd/internal/spawn"
	"github.com/mmr-tortoise/kproxyd/internal/status"
)

// fakeHandle is a scriptable spawn.Handle. Its exit status is delivered
// only when the test (or Kill) pushes one.
type fakeHandle struct {
	stdout io.Reader
	stderr io.Reader
	done   chan spawn.ExitStatus

	once  sync.Once
	mu    sync.Mutex
	kills int
}

func newFakeHandle(stdout, stderr string) *fakeHandle {
	return &fakeHandle{
		stdout: strings.NewReader(stdout),
		stderr: strings.NewReader(stderr),
		done:   make(chan spawn.ExitStatus, 1),
	}
}

func (h *fakeHandle) Stdout() io.Reader             { return h.stdout }
func (h *fakeHandle) Stderr() io.Reader             { return h.stderr }
func (h *fakeHandle) Wait() <-chan spawn.ExitStatus { return h.done }

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.kills++
	h.mu.Unlock()
	h.once.Do(func() { h.done <- spawn.ExitStatus{Code: -1} })
	return nil
}

func (h *fakeHandle) killCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kills
}

// exit simulates the process dying on its own.
func (h *fakeHandle) exit(st spawn.ExitStatus) {
	h.once.Do(func() { h.done <- st })
}

// fakeSpawner records every spec it receives and delegates handle
// creation to a per-call script.
type fakeSpawner struct {
	mu    sync.Mutex
	specs []spawn.Spec
	next  func(call int) (spawn.Handle, error)
}

func (f *fakeSpawner) Spawn(_ context.Context, spec spawn.Spec) (spawn.Handle, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	call := len(f.specs)
	f.mu.Unlock()
	return f.next(call)
}

func (f *fakeSpawner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeSpawner) spec(i int) spawn.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[i]
}

type fakeResolver struct {
	endpoint model.Endpoint
	err      error
}

func (f *fakeResolver) Resolve(path, contextName string) (model.Endpoint, error) {
	return f.endpoint, f.err
}

type fakeCerts struct {
	pair model.CertificatePair
	err  error
}

func (f *fakeCerts) PairFor(hostname string) (model.CertificatePair, error) {
	return f.pair, f.err
}

// listenLocal opens a real TCP listener so the reachability waiter has
// something to connect to, and returns its port.
func listenLocal(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l.Addr().(*net.TCPAddr).Port
}

func announcement(p int) string {
	return fmt.Sprintf("INFO: starting to serve on 127.0.0.1:%d\n", p)
}

func testCluster() model.Cluster {
	return model.Cluster{
		Name:       "alpha",
		Kubeconfig: "/tmp/kubeconfigs/alpha.yaml",
		Context:    "alpha-admin",
	}
}

// newTestConfig builds a Config with fast timings; tests override the
// pieces they script.
func newTestConfig(spawner spawn.Spawner, broadcaster status.Broadcaster) Config {
	return Config{
		Cluster:     testCluster(),
		Spawner:     spawner,
		Resolver:    &fakeResolver{endpoint: model.Endpoint{Hostname: "alpha.example.test", Server: "https://alpha.example.test:6443"}},
		Certs:       &fakeCerts{pair: model.CertificatePair{KeyPEM: "---key---", CertPEM: "---cert---"}},
		Broadcaster: broadcaster,
		ProxyPath:   "headlamp-server",
		ProxyArgs:   []string{"--insecure-ssl"},
		BaseEnv:     []string{"PATH=/usr/bin"},
		Waiter:      &port.Waiter{PollInterval: 5 * time.Millisecond, Timeout: 2 * time.Second},
		Policy:      &retry.Policy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
}

func TestNewSession_RequiresCollaborators(t *testing.T) {
	_, err := NewSession(Config{ProxyPath: "headlamp-server"})
	require.Error(t, err)

	cfg := newTestConfig(&fakeSpawner{}, nil)
	cfg.ProxyPath = ""
	_, err = NewSession(cfg)
	require.Error(t, err)
}

func TestSession_APIPrefixIsStableHex(t *testing.T) {
	s, err := NewSession(newTestConfig(&fakeSpawner{}, nil))
	require.NoError(t, err)

	prefix := s.APIPrefix()
	assert.Len(t, prefix, 32)
	_, err = hex.DecodeString(prefix)
	assert.NoError(t, err, "api prefix must be hex-encoded")

	// The prefix is fixed at construction; reading it again returns the
	// identical value.
	assert.Equal(t, prefix, s.APIPrefix())
}

func TestSession_RunReachesReady(t *testing.T) {
	p := listenLocal(t)
	spawner := &fakeSpawner{next: func(int) (spawn.Handle, error) {
		return newFakeHandle(announcement(p), ""), nil
	}}

	s, err := NewSession(newTestConfig(spawner, nil))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	assert.True(t, s.Ready())
	assert.Equal(t, model.StateReady, s.State())
	assert.Equal(t, 0, s.RetryCount())

	gotPort, err := s.Port()
	require.NoError(t, err)
	assert.Equal(t, p, gotPort)
}

func TestSession_SpawnSpecCarriesProxyEnvironment(t *testing.T) {
	p := listenLocal(t)
	spawner := &fakeSpawner{next: func(int) (spawn.Handle, error) {
		return newFakeHandle(announcement(p), ""), nil
	}}

	s, err := NewSession(newTestConfig(spawner, nil))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	spec := spawner.spec(0)
	assert.Equal(t, "headlamp-server", spec.Path)
	assert.Equal(t, []string{"--insecure-ssl"}, spec.Args)

	// The proxy runs out of the kubeconfig's directory so relative
	// references inside the kubeconfig resolve.
	assert.Equal(t, "/tmp/kubeconfigs", spec.Dir)

	assert.Contains(t, spec.Env, "PATH=/usr/bin")
	assert.Contains(t, spec.Env, "KUBECONFIG=/tmp/kubeconfigs/alpha.yaml")
	assert.Contains(t, spec.Env, "KUBECONFIG_CONTEXT=alpha-admin")
	assert.Contains(t, spec.Env, "API_PREFIX="+s.APIPrefix())
	assert.Contains(t, spec.Env, "PROXY_KEY=---key---")
	assert.Contains(t, spec.Env, "PROXY_CERT=---cert---")
}

func TestSession_PortBeforeReadyFails(t *testing.T) {
	s, err := NewSession(newTestConfig(&fakeSpawner{}, nil))
	require.NoError(t, err)

	_, err = s.Port()
	assert.ErrorIs(t, err, model.ErrPortNotReady)
}

func TestSession_RunIsIdempotentWhenReady(t *testing.T) {
	p := listenLocal(t)
	spawner := &fakeSpawner{next: func(int) (spawn.Handle, error) {
		return newFakeHandle(announcement(p), ""), nil
	}}

	s, err := NewSession(newTestConfig(spawner, nil))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 1, spawner.calls(), "a ready session must not spawn again")
}

func TestSession_ConcurrentRunsCoalesce(t *testing.T) {
	p := listenLocal(t)
	stdoutR, stdoutW := io.Pipe()

	handle := &fakeHandle{
		stdout: stdoutR,
		stderr: strings.NewReader(""),
		done:   make(chan spawn.ExitStatus, 1),
	}
	spawner := &fakeSpawner{next: func(int) (spawn.Handle, error) {
		return handle, nil
	}}

	s, err := NewSession(newTestConfig(spawner, nil))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Run(context.Background())
		}(i)
	}

	// Hold the first attempt in the port-scan stage long enough for the
	// other callers to pile up, then let it proceed.
	time.Sleep(50 * time.Millisecond)
	_, err = io.WriteString(stdoutW, announcement(p))
	require.NoError(t, err)
	require.NoError(t, stdoutW.Close())

	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, spawner.calls(), "concurrent callers must share one attempt")
	assert.True(t, s.Ready())
}

func TestSession_RetryExhaustionStopsAtLimit(t *testing.T) {
	spawner := &fakeSpawner{next: func(int) (spawn.Handle, error) {
		return nil, fmt.Errorf("%w: no such binary", model.ErrSpawnFailed)
	}}
	broadcaster := status.NewChannelBroadcaster(64)

	s, err := NewSession(newTestConfig(spawner, broadcaster))
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRetryExhausted)
	assert.ErrorIs(t, err, model.ErrSpawnFailed)

	// Three consecutive failures exhaust the budget; there is no fourth
	// spawn attempt.
	assert.Equal(t, 3, spawner.calls())
	assert.False(t, s.Ready())
	assert.Equal(t, model.StateIdle, s.State())
}

func TestSession_PortNotFoundIsRetriedLikeAnyFailure(t *testing.T) {
	spawner := &fakeSpawner{next: func(int) (spawn.Handle, error) {
		return newFakeHandle("listening for requests\n", ""), nil
	}}

	s, err := NewSession(newTestConfig(spawner, nil))
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRetryExhausted)
	assert.ErrorIs(t, err, model.ErrPortNotFound)
	assert.Equal(t, 3, spawner.calls())
}

func TestSession_SuccessResetsRetryCount(t *testing.T) {
	p := listenLocal(t)
	spawner := &fakeSpawner{next: func(call int) (spawn.Handle, error) {
		if call < 3 {
			return nil, fmt.Errorf("%w: transient", model.ErrSpawnFailed)
		}
		return newFakeHandle(announcement(p), ""), nil
	}}

	s, err := NewSession(newTestConfig(spawner, nil))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 3, spawner.calls())
	assert.True(t, s.Ready())
	assert.Equal(t, 0, s.RetryCount(), "success must clear accumulated failures")
}

func TestSession_RunHonorsContextCancellation(t *testing.T) {
	spawner := &fakeSpawner{next: func(int) (spawn.Handle, error) {
		return nil, fmt.Errorf("%w: transient", model.ErrSpawnFailed)
	}}

	cfg := newTestConfig(spawner, nil)
	cfg.Policy = &retry.Policy{InitialDelay: time.Hour, MaxDelay: time.Hour}
	s, err := NewSession(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Let the first attempt fail, then cancel while the backoff sleeps.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestSession_ExitIsIdempotent(t *testing.T) {
	p := listenLocal(t)
	handle := newFakeHandle(announcement(p), "")
	spawner := &fakeSpawner{next: func(int) (spawn.Handle, error) {
		return handle, nil
	}}

	s, err := NewSession(newTestConfig(spawner, nil))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	s.Exit()
	s.Exit()

	assert.False(t, s.Ready())
	assert.Equal(t, model.StateIdle, s.State())
	_, err = s.Port()
	assert.ErrorIs(t, err, model.ErrPortNotReady)

	// The handle is released on the first call; the second has nothing
	// left to kill.
	assert.Equal(t, 1, handle.killCount())
}

func TestSession_SpontaneousDeathIsBroadcast(t *testing.T) {
	p := listenLocal(t)
	handle := newFakeHandle(announcement(p), "")
	spawner := &fakeSpawner{next: func(int) (spawn.Handle, error) {
		return handle, nil
	}}
	broadcaster := status.NewChannelBroadcaster(64)

	s, err := NewSession(newTestConfig(spawner, broadcaster))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	handle.exit(spawn.ExitStatus{Code: 3})

	// Death does not restart the proxy; the session drops back to idle
	// and waits for the next explicit run.
	require.Eventually(t, func() bool { return !s.Ready() }, 2*time.Second, 5*time.Millisecond)

	var sawDeath bool
	deadline := time.After(2 * time.Second)
	for !sawDeath {
		select {
		case msg := <-broadcaster.Messages():
			if msg.Level == status.LevelError && strings.Contains(msg.Text, "exited with code 3") {
				sawDeath = true
			}
		case <-deadline:
			t.Fatal("process death was never broadcast")
		}
	}
}

func TestSession_StderrForwardedWithTLSNoiseSuppressed(t *testing.T) {
	p := listenLocal(t)
	stderr := "http: TLS handshake error from 10.0.0.7:4431: EOF\nupstream connection refused\n"
	spawner := &fakeSpawner{next: func(int) (spawn.Handle, error) {
		return newFakeHandle(announcement(p), stderr), nil
	}}
	broadcaster := status.NewChannelBroadcaster(64)

	s, err := NewSession(newTestConfig(spawner, broadcaster))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	var sawGenuine bool
	deadline := time.After(2 * time.Second)
	for !sawGenuine {
		select {
		case msg := <-broadcaster.Messages():
			assert.NotContains(t, msg.Text, "TLS handshake error")
			if msg.Text == "upstream connection refused" {
				assert.Equal(t, status.LevelError, msg.Level)
				sawGenuine = true
			}
		case <-deadline:
			t.Fatal("genuine stderr line was never broadcast")
		}
	}
}

func TestSession_APIPrefixSurvivesRetries(t *testing.T) {
	p := listenLocal(t)
	spawner := &fakeSpawner{next: func(call int) (spawn.Handle, error) {
		if call == 1 {
			return newFakeHandle("no announcement here\n", ""), nil
		}
		return newFakeHandle(announcement(p), ""), nil
	}}

	s, err := NewSession(newTestConfig(spawner, nil))
	require.NoError(t, err)
	prefix := s.APIPrefix()

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, 2, spawner.calls())

	// Every attempt, including the retry, carries the same prefix.
	assert.Contains(t, spawner.spec(0).Env, "API_PREFIX="+prefix)
	assert.Contains(t, spawner.spec(1).Env, "API_PREFIX="+prefix)
	assert.Equal(t, prefix, s.APIPrefix())
}

func TestSession_RunAfterExitSpawnsFresh(t *testing.T) {
	p := listenLocal(t)
	spawner := &fakeSpawner{next: func(int) (spawn.Handle, error) {
		return newFakeHandle(announcement(p), ""), nil
	}}

	s, err := NewSession(newTestConfig(spawner, nil))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	s.Exit()
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 2, spawner.calls())
	assert.True(t, s.Ready())
}

func TestSession_ErrorsAreBroadcastNotJustReturned(t *testing.T) {
	spawner := &fakeSpawner{next: func(int) (spawn.Handle, error) {
		return nil, fmt.Errorf("%w: refused", model.ErrSpawnFailed)
	}}
	broadcaster := status.NewChannelBroadcaster(64)

	s, err := NewSession(newTestConfig(spawner, broadcaster))
	require.NoError(t, err)

	runErr := s.Run(context.Background())
	require.Error(t, runErr)

	var texts []string
	for {
		select {
		case msg := <-broadcaster.Messages():
			texts = append(texts, msg.Text)
			continue
		default:
		}
		break
	}

	joined := strings.Join(texts, "\n")
	assert.Contains(t, joined, "starting proxy for cluster")
	assert.Contains(t, joined, "retrying proxy start")
	assert.Contains(t, joined, "giving up on proxy")
}

func TestSession_ResetRetryCount(t *testing.T) {
	s, err := NewSession(newTestConfig(&fakeSpawner{next: func(int) (spawn.Handle, error) {
		return nil, errors.New("unused")
	}}, nil))
	require.NoError(t, err)

	s.mu.Lock()
	s.retryCount = 2
	s.mu.Unlock()

	s.ResetRetryCount()
	assert.Equal(t, 0, s.RetryCount())
}

package proxy

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mmr-tortoise/kproxyd/internal/model"
	"github.com/mmr-tortoise/kproxyd/internal/port"
	"github.com/mmr-tortoise/kproxyd/internal/retry"
	"github.com/mmr-tortoise/kproxyd/internal/spawn"
	"github.com/mmr-tortoise/kproxyd/internal/status"
)

// Environment variables handed to the spawned proxy process, merged
// over the caller-supplied base environment.
const (
	EnvKubeconfig        = "KUBECONFIG"
	EnvKubeconfigContext = "KUBECONFIG_CONTEXT"
	EnvAPIPrefix         = "API_PREFIX"
	EnvProxyKey          = "PROXY_KEY"
	EnvProxyCert         = "PROXY_CERT"
)

// apiPrefixBytes is the entropy of the request-namespacing token; 16
// random bytes render as 32 lowercase hex characters.
const apiPrefixBytes = 16

// tlsHandshakeNoise is the benign stderr substring that is deliberately
// not broadcast: clients probing the proxy's TLS listener produce these
// continuously and they say nothing about proxy health.
const tlsHandshakeNoise = "http: TLS handshake error"

// EndpointResolver resolves the upstream API endpoint for a kubeconfig
// path and context name.
type EndpointResolver interface {
	Resolve(path, contextName string) (model.Endpoint, error)
}

// CertificateProvider returns the certificate pair for a hostname,
// synchronously or from cache.
type CertificateProvider interface {
	PairFor(hostname string) (model.CertificatePair, error)
}

// Config assembles a Session's collaborators and tuning.
type Config struct {
	// Cluster identifies the kubeconfig and context this session
	// proxies for.
	Cluster model.Cluster

	// Spawner launches the proxy process. Required.
	Spawner spawn.Spawner

	// Resolver resolves the upstream API endpoint. Required.
	Resolver EndpointResolver

	// Certs issues the proxy's TLS certificate pair. Required.
	Certs CertificateProvider

	// Broadcaster receives every lifecycle status message. Optional;
	// nil discards them.
	Broadcaster status.Broadcaster

	// ProxyPath is the proxy executable (or container display name).
	ProxyPath string

	// ProxyArgs are extra arguments for the proxy process.
	ProxyArgs []string

	// BaseEnv is the caller-supplied base environment the proxy vars
	// are merged over.
	BaseEnv []string

	// Waiter verifies port reachability. Nil selects the defaults.
	Waiter *port.Waiter

	// Policy bounds the retry loop. Nil selects the defaults.
	Policy *retry.Policy
}

// Session supervises one proxy process for one cluster.
//
// All mutable state is guarded by mu. The blocking stages (endpoint
// resolution, stdout scanning, reachability polling, backoff sleeps)
// run in the calling goroutine of Run with the lock released, so state
// observers (Ready, State, Port) never block behind an attempt.
type Session struct {
	cluster     model.Cluster
	spawner     spawn.Spawner
	resolver    EndpointResolver
	certs       CertificateProvider
	broadcaster status.Broadcaster
	proxyPath   string
	proxyArgs   []string
	baseEnv     []string
	waiter      *port.Waiter
	policy      *retry.Policy

	// apiPrefix is generated once at session creation and never changes,
	// regardless of retries.
	apiPrefix string

	mu         sync.Mutex
	state      model.SessionState
	handle     spawn.Handle
	proxyPort  int
	ready      bool
	retryCount int

	// gen increments on every Exit, invalidating the watcher goroutines
	// of earlier attempts so a teardown we initiated is not reported as
	// a spontaneous process death.
	gen uint64

	// inflight coalesces concurrent Run calls: while an attempt is in
	// progress, later callers wait on its done channel instead of
	// spawning a second process.
	inflight *inflightRun
}

// inflightRun tracks one in-progress Run sequence.
type inflightRun struct {
	done chan struct{}
	err  error
}

// NewSession creates a Session for the cluster, generating its stable
// apiPrefix token.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Spawner == nil || cfg.Resolver == nil || cfg.Certs == nil {
		return nil, fmt.Errorf("proxy session requires a spawner, resolver, and certificate provider")
	}
	if cfg.ProxyPath == "" {
		return nil, fmt.Errorf("proxy session requires a proxy path")
	}

	buf := make([]byte, apiPrefixBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating api prefix: %w", err)
	}

	s := &Session{
		cluster:     cfg.Cluster,
		spawner:     cfg.Spawner,
		resolver:    cfg.Resolver,
		certs:       cfg.Certs,
		broadcaster: cfg.Broadcaster,
		proxyPath:   cfg.ProxyPath,
		proxyArgs:   cfg.ProxyArgs,
		baseEnv:     cfg.BaseEnv,
		waiter:      cfg.Waiter,
		policy:      cfg.Policy,
		apiPrefix:   hex.EncodeToString(buf),
		state:       model.StateIdle,
	}
	if s.waiter == nil {
		s.waiter = port.NewWaiter()
	}
	if s.policy == nil {
		s.policy = retry.NewPolicy()
	}
	return s, nil
}

// APIPrefix returns the session's stable request-namespacing token.
func (s *Session) APIPrefix() string {
	return s.apiPrefix
}

// Ready reports whether the proxy is verified reachable.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// State returns the session's current lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the discovered proxy port.
//
// Reading the port before the session is ready is a programming-contract
// violation and fails with model.ErrPortNotReady rather than returning a
// stale or zero value. Callers must gate on readiness, never on the
// port value alone.
func (s *Session) Port() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return 0, model.ErrPortNotReady
	}
	return s.proxyPort, nil
}

// RetryCount returns the current failure counter.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// ResetRetryCount forces the failure counter back to zero. Collaborators
// call this when they know connectivity has independently recovered.
func (s *Session) ResetRetryCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount = 0
}

// Run starts the proxy and blocks until it is verified ready or the
// bounded retry sequence is exhausted.
//
// Run is idempotent and coalescing: when the session is already ready
// it returns immediately, and when another Run is in flight the call
// suspends until that attempt settles rather than spawning a second
// process. Only retry exhaustion is surfaced as an error; every
// intermediate failure is broadcast, not returned.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.ready && s.handle != nil {
		s.mu.Unlock()
		return nil
	}
	if s.inflight != nil {
		in := s.inflight
		s.mu.Unlock()
		select {
		case <-in.done:
			return in.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	in := &inflightRun{done: make(chan struct{})}
	s.inflight = in
	s.mu.Unlock()

	err := s.runSequence(ctx)

	s.mu.Lock()
	in.err = err
	s.inflight = nil
	s.mu.Unlock()
	close(in.done)
	return err
}

// runSequence drives the start attempt loop. The recursive
// failure-restarts-run control flow of the state machine is expressed
// as an explicit loop bounded by the retry policy, keeping stack usage
// constant across retries.
func (s *Session) runSequence(ctx context.Context) error {
	for {
		cause := s.startOnce(ctx)
		if cause == nil {
			return nil
		}

		// Failing always tears down before consulting the policy.
		s.Exit()

		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		s.retryCount++
		attempt := s.retryCount
		s.mu.Unlock()

		if !s.policy.ShouldRetry(attempt) {
			s.broadcast(status.Error(fmt.Sprintf(
				"giving up on proxy for cluster %q after %d attempts: %v",
				s.cluster.Name, attempt, cause)))
			return fmt.Errorf("%w: %w", model.ErrRetryExhausted, cause)
		}

		s.broadcast(status.Info(fmt.Sprintf(
			"retrying proxy start for cluster %q (attempt %d/%d)",
			s.cluster.Name, attempt, s.policy.Limit())))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.policy.Delay(attempt)):
		}
	}
}

// startOnce performs one full spawn → scan → verify pass. A nil return
// means the session reached Ready; otherwise the returned cause feeds
// the retry decision.
func (s *Session) startOnce(ctx context.Context) error {
	s.setState(model.StateStarting)

	endpoint, err := s.resolver.Resolve(s.cluster.Kubeconfig, s.cluster.Context)
	if err != nil {
		s.broadcast(status.Error(fmt.Sprintf("resolving API endpoint for cluster %q: %v", s.cluster.Name, err)))
		return fmt.Errorf("%w: resolving endpoint: %v", model.ErrSpawnFailed, err)
	}

	pair, err := s.certs.PairFor(endpoint.Hostname)
	if err != nil {
		s.broadcast(status.Error(fmt.Sprintf("obtaining certificate for %q: %v", endpoint.Hostname, err)))
		return fmt.Errorf("%w: obtaining certificate: %v", model.ErrSpawnFailed, err)
	}

	env := append([]string{}, s.baseEnv...)
	env = append(env,
		EnvKubeconfig+"="+s.cluster.Kubeconfig,
		EnvKubeconfigContext+"="+s.cluster.Context,
		EnvAPIPrefix+"="+s.apiPrefix,
		EnvProxyKey+"="+pair.KeyPEM,
		EnvProxyCert+"="+pair.CertPEM,
	)

	handle, err := s.spawner.Spawn(ctx, spawn.Spec{
		Path: s.proxyPath,
		Args: s.proxyArgs,
		Env:  env,
		Dir:  filepath.Dir(s.cluster.Kubeconfig),
	})
	if err != nil {
		s.broadcast(status.Error(fmt.Sprintf("starting proxy for cluster %q: %v", s.cluster.Name, err)))
		return err
	}

	s.mu.Lock()
	s.handle = handle
	gen := s.gen
	s.mu.Unlock()

	// Watchers attach before any stream data is consumed, so no process
	// event can be missed between spawn and scan.
	go s.watchExit(gen, handle)
	go s.forwardStderr(gen, handle)

	s.setState(model.StateAwaitingPort)

	lines := bufio.NewScanner(handle.Stdout())
	scanner := port.NewScanner()
	scanner.Observe = func(line string) {
		s.broadcast(status.Info(fmt.Sprintf("proxy for cluster %q: %s", s.cluster.Name, line)))
	}

	proxyPort, err := scanner.Scan(lines)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.proxyPort = proxyPort
	s.retryCount = 0
	s.mu.Unlock()
	s.broadcast(status.Info(fmt.Sprintf("proxy for cluster %q bound port %d", s.cluster.Name, proxyPort)))

	// Stdout after discovery is plain proxy logging; forward it. Before
	// discovery it belongs to the scanner alone, keeping scanner-internal
	// noise out of the broadcast stream.
	go s.forwardStdout(gen, lines)

	s.setState(model.StateAwaitingReachability)

	if err := s.waiter.Wait(ctx, proxyPort); err != nil {
		return err
	}

	s.mu.Lock()
	s.ready = true
	s.retryCount = 0
	s.state = model.StateReady
	s.mu.Unlock()
	s.broadcast(status.Info(fmt.Sprintf("proxy for cluster %q ready on port %d", s.cluster.Name, proxyPort)))
	return nil
}

// Exit tears the session down: clears readiness and the discovered
// port, invalidates attempt watchers, and kills the process if one is
// active. Idempotent and safe to call with no active process.
func (s *Session) Exit() {
	s.mu.Lock()
	s.ready = false
	s.proxyPort = 0
	s.state = model.StateIdle
	s.gen++
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle != nil {
		_ = handle.Kill()
	}
}

// watchExit reports a process that died on its own and returns the
// session to Idle. A teardown we initiated bumps gen first, so the
// stale watcher stays silent. Death does not auto-restart the proxy;
// restart happens only on a subsequent explicit Run.
func (s *Session) watchExit(gen uint64, handle spawn.Handle) {
	st := <-handle.Wait()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	switch {
	case st.Err != nil:
		s.broadcast(status.Error(fmt.Sprintf("proxy for cluster %q failed: %v", s.cluster.Name, st.Err)))
	case st.Clean():
		s.broadcast(status.Info(fmt.Sprintf("proxy for cluster %q exited", s.cluster.Name)))
	default:
		s.broadcast(status.Error(fmt.Sprintf("proxy for cluster %q exited with code %d", s.cluster.Name, st.Code)))
	}

	s.Exit()
}

// forwardStderr broadcasts stderr lines at error level, suppressing the
// benign TLS handshake noise.
func (s *Session) forwardStderr(gen uint64, handle spawn.Handle) {
	lines := bufio.NewScanner(handle.Stderr())
	for lines.Scan() {
		line := lines.Text()
		if strings.Contains(line, tlsHandshakeNoise) {
			continue
		}
		if s.staleGen(gen) {
			return
		}
		s.broadcast(status.Error(line))
	}
}

// forwardStdout broadcasts post-discovery stdout lines at info level.
func (s *Session) forwardStdout(gen uint64, lines *bufio.Scanner) {
	for lines.Scan() {
		if s.staleGen(gen) {
			return
		}
		s.broadcast(status.Info(lines.Text()))
	}
}

// staleGen reports whether the attempt generation has been invalidated
// by a teardown since the watcher started.
func (s *Session) staleGen(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

// setState records a lifecycle transition.
func (s *Session) setState(state model.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// broadcast forwards a message to the configured broadcaster, if any.
func (s *Session) broadcast(msg status.Message) {
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(msg)
	}
}

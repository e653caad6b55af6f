package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/kproxyd/internal/model"
)

// TestWait_ListeningPort verifies Wait succeeds immediately against a
// port that already has a listener.
func TestWait_ListeningPort(t *testing.T) {
	// Start a listener on an OS-assigned port (":0" lets the OS pick a
	// free port). This avoids test flakiness from hardcoded ports.
	listener, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err, "failed to start test listener")
	defer func() { _ = listener.Close() }()

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)

	w := &Waiter{PollInterval: 50 * time.Millisecond, Timeout: 2 * time.Second}
	err = w.Wait(context.Background(), tcpAddr.Port)
	assert.NoError(t, err)
}

// TestWait_PortComesUpLate verifies polling behavior: the port starts
// closed and a listener appears mid-wait; Wait must succeed once the
// listener is up rather than failing on the first refused dial.
func TestWait_PortComesUpLate(t *testing.T) {
	// Reserve a port by binding and closing, then rebind it after a
	// delay. There is a tiny window where another process could grab it,
	// which is acceptable for a test.
	probe, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	listenerCh := make(chan net.Listener, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		ln, lnErr := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
		if lnErr != nil {
			listenerCh <- nil
			return
		}
		listenerCh <- ln
	}()
	defer func() {
		if ln := <-listenerCh; ln != nil {
			_ = ln.Close()
		}
	}()

	w := &Waiter{PollInterval: 50 * time.Millisecond, Timeout: 3 * time.Second}
	err = w.Wait(context.Background(), port)
	assert.NoError(t, err, "Wait should succeed once the late listener appears")
}

// TestWait_Timeout verifies that a port with no listener fails with the
// reachability sentinel after the budget elapses.
func TestWait_Timeout(t *testing.T) {
	// Find a port that is currently closed by binding and releasing it.
	probe, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	w := &Waiter{PollInterval: 30 * time.Millisecond, Timeout: 200 * time.Millisecond}

	start := time.Now()
	err = w.Wait(context.Background(), port)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrPortUnreachable))
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond, "Wait must exhaust the full budget")
}

// TestWait_ContextCancelled verifies cancellation interrupts the poll
// loop promptly with the context's error, not the reachability sentinel.
func TestWait_ContextCancelled(t *testing.T) {
	probe, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(80 * time.Millisecond)
		cancel()
	}()

	w := &Waiter{PollInterval: 50 * time.Millisecond, Timeout: 10 * time.Second}
	err = w.Wait(ctx, port)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, model.ErrPortUnreachable))
}

// TestNewWaiter_Defaults verifies the documented default interval and
// timeout used by the supervisor.
func TestNewWaiter_Defaults(t *testing.T) {
	w := NewWaiter()
	assert.Equal(t, DefaultPollInterval, w.PollInterval)
	assert.Equal(t, DefaultWaitTimeout, w.Timeout)
}

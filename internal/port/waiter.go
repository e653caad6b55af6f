package port

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mmr-tortoise/kproxyd/internal/model"
)

const (
	// DefaultPollInterval is the pause between connection attempts.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultWaitTimeout is the total budget for a port to become
	// reachable before the attempt is declared failed.
	DefaultWaitTimeout = 10 * time.Second
)

// Waiter polls a local TCP port until it accepts a connection.
//
// Each attempt is a short dial against localhost; the connection is
// closed immediately on success — we only need proof that the listener
// accepts, not a usable connection. Attempts that error are treated as
// "not yet" and retried after the poll interval, never escalated.
type Waiter struct {
	// PollInterval is the pause between attempts. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration

	// Timeout is the total reachability budget. Zero means
	// DefaultWaitTimeout.
	Timeout time.Duration
}

// NewWaiter creates a Waiter with the default interval and timeout.
func NewWaiter() *Waiter {
	return &Waiter{
		PollInterval: DefaultPollInterval,
		Timeout:      DefaultWaitTimeout,
	}
}

// Wait blocks until the port accepts a TCP connection, the total
// timeout elapses, or the context is cancelled.
//
// Returns nil on the first successful connection, model.ErrPortUnreachable
// when the budget is exhausted, and the context error on cancellation.
func (w *Waiter) Wait(ctx context.Context, port int) error {
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("localhost:%d", port)

	for {
		// Cap the dial by both the poll interval and the remaining
		// budget so the final attempt cannot overshoot the deadline.
		dialTimeout := interval
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
		if dialTimeout > 0 {
			conn, err := net.DialTimeout("tcp", addr, dialTimeout)
			if err == nil {
				// The listener accepts. Release the probe connection
				// immediately — it is never reused.
				_ = conn.Close()
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s not accepting connections after %s", model.ErrPortUnreachable, addr, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

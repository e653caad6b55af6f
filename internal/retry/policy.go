// Package retry implements the pure backoff policy used by the proxy
// session supervisor.
//
// The policy is deliberately side-effect free: it answers "should this
// attempt be retried?" and "how long to wait before retrying?" from a
// retry counter that the caller owns and mutates. Keeping the counter
// outside this package means the same policy value can serve any number
// of sessions concurrently without shared state.
package retry

import "time"

const (
	// MaxAttempts is the default number of full start-sequence retries
	// allowed before the supervisor gives up with a fatal error.
	MaxAttempts = 3

	// DefaultInitialDelay is the default backoff delay base.
	DefaultInitialDelay = 1 * time.Second

	// DefaultMaxDelay caps the exponential backoff growth.
	DefaultMaxDelay = 30 * time.Second
)

// Policy computes retry eligibility and exponential backoff delays.
//
// The zero value uses the default attempt limit and delays; fields
// exist so tests and unusual deployments can tighten them. Zero fields
// mean "use the default".
type Policy struct {
	// Attempts is the retry limit. Zero means MaxAttempts.
	Attempts int

	// InitialDelay is the backoff base. Zero means DefaultInitialDelay.
	InitialDelay time.Duration

	// MaxDelay caps the backoff. Zero means DefaultMaxDelay.
	MaxDelay time.Duration
}

// NewPolicy creates a Policy with the default limit and delays.
func NewPolicy() *Policy {
	return &Policy{}
}

// Limit returns the effective retry limit.
func (p *Policy) Limit() int {
	if p.Attempts > 0 {
		return p.Attempts
	}
	return MaxAttempts
}

// ShouldRetry reports whether another attempt is allowed for the given
// retry counter. It is true exactly when retryCount < Limit().
func (p *Policy) ShouldRetry(retryCount int) bool {
	return retryCount < p.Limit()
}

// Delay returns the backoff duration for the given retry counter:
// min(initial * 2^retryCount, max). The progression is deterministic
// with no jitter, so tests can assert exact values.
func (p *Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	initial := p.InitialDelay
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}

	d := initial << uint(retryCount)
	// Guard both the cap and shift overflow for large counters.
	if d > max || d <= 0 {
		return max
	}
	return d
}

package model

import "errors"

// Sentinel errors for the proxy supervisor's failure taxonomy.
//
// Stage failures (ErrSpawnFailed, ErrPortNotFound, ErrPortUnreachable) are
// recovered locally by the retry sequence; only ErrRetryExhausted surfaces
// to Run() callers, wrapping the stage cause that exhausted the attempts
// so errors.Is can distinguish discovery from reachability exhaustion.
var (
	// ErrSpawnFailed indicates the child process failed to start or
	// raised a runtime error before announcing its port.
	ErrSpawnFailed = errors.New("proxy process failed to start")

	// ErrPortNotFound indicates the child's output stream ended before
	// any line matched the port announcement pattern.
	ErrPortNotFound = errors.New("no port announcement found in proxy output")

	// ErrPortUnreachable indicates a port was discovered but never
	// accepted a TCP connection within the reachability timeout.
	ErrPortUnreachable = errors.New("proxy port never became reachable")

	// ErrRetryExhausted indicates the full start sequence failed more
	// times than the retry policy allows. It always wraps the stage
	// cause of the final attempt.
	ErrRetryExhausted = errors.New("proxy start retries exhausted")

	// ErrPortNotReady is a programming-contract violation: the session
	// port was read before the session reached the ready state. Callers
	// must gate on readiness, never on the port value alone.
	ErrPortNotReady = errors.New("proxy port read before session is ready")
)

// Package proxy implements the supervised proxy session: the state
// machine that owns one authenticating proxy child process per cluster
// and drives it to readiness.
//
// A Session moves through
//
//	Idle → Starting → AwaitingPort → AwaitingReachability → Ready
//
// spawning the process, scanning its stdout for the bound-port
// announcement, and verifying the port accepts connections. Any stage
// failure tears the process down and re-enters Starting through a
// bounded exponential-backoff retry loop; only exhaustion surfaces to
// the Run caller.
//
// Sessions are keyed singletons: the Registry maps cluster identity
// (kubeconfig path + context) to one Session, created on first use and
// never evicted. Concurrent Run calls against one session coalesce onto
// a single spawn and all observe the same readiness transition.
package proxy

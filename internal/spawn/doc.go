// Package spawn launches and tracks the proxy child process on behalf
// of the session supervisor.
//
// The supervisor only sees the narrow Spawner/Handle contract: start a
// process from a Spec, read its stdout/stderr streams, learn about its
// exit through a channel, and kill it. Two implementations exist:
//
//   - ExecSpawner runs the proxy binary directly via os/exec. This is
//     the default runtime.
//   - DockerSpawner runs the proxy image in a container via the Docker
//     Engine API, for hosts without the binary installed. The client
//     handles automatic socket detection (Linux, macOS, Windows) with
//     API version negotiation for broad daemon compatibility.
//
// Both present identical stream and exit semantics, so the supervisor's
// state machine is runtime-agnostic.
package spawn

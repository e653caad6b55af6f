package model

import (
	"fmt"
	"regexp"
	"strings"
)

// SessionState represents the lifecycle state of a proxy session.
// The state transitions are:
//
//	Idle → Starting → AwaitingPort → AwaitingReachability → Ready
//	Starting/AwaitingPort/AwaitingReachability → Failing → Starting (retry)
//	Failing → Idle (retries exhausted)
//	Ready → Idle (explicit Exit or process death)
type SessionState string

const (
	// StateIdle indicates no child process is active. This is both the
	// initial state and the state after Exit() or process death.
	StateIdle SessionState = "idle"

	// StateStarting indicates the session is resolving the upstream
	// endpoint, obtaining certificates, and spawning the child process.
	StateStarting SessionState = "starting"

	// StateAwaitingPort indicates the child is running and the session
	// is scanning its stdout for the bound-port announcement line.
	StateAwaitingPort SessionState = "awaiting-port"

	// StateAwaitingReachability indicates the port was discovered and
	// the session is polling it until it accepts a TCP connection.
	StateAwaitingReachability SessionState = "awaiting-reachability"

	// StateReady indicates the proxy is serving and verified reachable.
	// The discovered port is only trustworthy in this state.
	StateReady SessionState = "ready"
)

// String returns the string representation of SessionState.
// This method satisfies the fmt.Stringer interface, enabling
// human-readable output in CLI commands and logging.
func (s SessionState) String() string {
	return string(s)
}

// IsValid checks whether the SessionState value is one of the
// predefined valid states.
func (s SessionState) IsValid() bool {
	switch s {
	case StateIdle, StateStarting, StateAwaitingPort, StateAwaitingReachability, StateReady:
		return true
	default:
		return false
	}
}

// Cluster describes one configured Kubernetes cluster that kproxyd can
// launch an authenticating proxy for. Clusters are declared in the
// clusters.yaml configuration file and identified by name.
type Cluster struct {
	// Name is the unique identifier for this cluster entry.
	// Must contain only alphanumeric characters and hyphens.
	Name string `yaml:"name" json:"name"`

	// Kubeconfig is the absolute path to the kubeconfig file that
	// holds credentials and the API server address for this cluster.
	Kubeconfig string `yaml:"kubeconfig" json:"kubeconfig"`

	// Context is the kubeconfig context name to use. Empty means the
	// file's current-context.
	Context string `yaml:"context,omitempty" json:"context,omitempty"`
}

// Key returns the registry identity for this cluster. Two Cluster values
// addressing the same kubeconfig and context share one proxy session,
// regardless of their display names.
func (c Cluster) Key() string {
	return c.Kubeconfig + "::" + c.Context
}

// Validate checks that the cluster entry has a usable name and
// kubeconfig path. Context is optional.
func (c Cluster) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if strings.TrimSpace(c.Kubeconfig) == "" {
		return fmt.Errorf("cluster %q: kubeconfig path must not be empty", c.Name)
	}
	return nil
}

// nameRegex validates cluster names: alphanumeric + hyphens only,
// must start and end with alphanumeric.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

// ValidateName checks if the given name is a valid cluster name.
// Valid names contain only alphanumeric characters and hyphens,
// and must start/end with an alphanumeric character.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("cluster name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid cluster name %q: must contain only alphanumeric characters and hyphens, and start/end with alphanumeric", name)
	}
	return nil
}

// CertificatePair holds a PEM-encoded private key and certificate handed
// to the proxy process through its environment.
type CertificatePair struct {
	// KeyPEM is the PEM-encoded private key.
	KeyPEM string

	// CertPEM is the PEM-encoded certificate.
	CertPEM string
}

// Endpoint describes the upstream Kubernetes API endpoint resolved from
// a kubeconfig. Hostname is the bare host used for certificate issuance;
// Server is the full URL as written in the kubeconfig.
type Endpoint struct {
	Hostname string
	Server   string
}

// ExitCode defines standard CLI exit codes. These codes allow scripts
// and CI systems to programmatically determine the outcome of a command.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigNotFound indicates the cluster configuration file was
	// not found or could not be parsed.
	ExitConfigNotFound ExitCode = 2

	// ExitSpawnFailed indicates the proxy child process could not be
	// started (missing binary, Docker daemon unreachable, etc).
	ExitSpawnFailed ExitCode = 3

	// ExitRetryExhausted indicates the proxy never became ready within
	// the bounded retry sequence.
	ExitRetryExhausted ExitCode = 4

	// ExitClusterError indicates a kubeconfig could not be resolved for
	// the requested cluster (bad path, unknown context, no server URL).
	ExitClusterError ExitCode = 5
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
// This follows Go's error wrapping convention introduced in Go 1.13.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

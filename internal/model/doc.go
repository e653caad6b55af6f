// Package model defines the domain types and value objects for the
// kproxyd CLI.
//
// This package contains pure data structures with no external dependencies:
// cluster definitions, session lifecycle states, and the error taxonomy of
// the proxy supervisor. All runtime state (discovered port, readiness,
// retry counter) lives in the proxy session itself — model types are
// transient descriptions, never persisted.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"
)

// SettingsFileName is the name of the settings file inside the config
// directory.
const SettingsFileName = "settings.jsonc"

// Runtime selects how the proxy child process is launched.
type Runtime string

const (
	// RuntimeExec launches the proxy binary directly via os/exec.
	RuntimeExec Runtime = "exec"

	// RuntimeDocker launches the proxy image in a container. Useful
	// when the proxy binary is not installed on the host.
	RuntimeDocker Runtime = "docker"
)

// Settings holds the operational knobs read from settings.jsonc.
// Every field has a default; a missing settings file is not an error.
type Settings struct {
	// ProxyBinary is the proxy executable launched in exec mode.
	ProxyBinary string `json:"proxyBinary"`

	// ProxyArgs are extra arguments passed to the proxy process.
	ProxyArgs []string `json:"proxyArgs,omitempty"`

	// ProxyImage is the container image used in docker mode.
	ProxyImage string `json:"proxyImage"`

	// Runtime selects exec or docker launching.
	Runtime Runtime `json:"runtime"`

	// ReachabilityIntervalMS overrides the poll interval between
	// reachability probes, in milliseconds. Zero keeps the default.
	ReachabilityIntervalMS int `json:"reachabilityIntervalMs,omitempty"`

	// ReachabilityTimeoutMS overrides the total reachability budget,
	// in milliseconds. Zero keeps the default.
	ReachabilityTimeoutMS int `json:"reachabilityTimeoutMs,omitempty"`
}

// DefaultSettings returns the settings used when no file exists.
func DefaultSettings() Settings {
	return Settings{
		ProxyBinary: "headlamp-server",
		ProxyImage:  "ghcr.io/headlamp-k8s/headlamp:latest",
		Runtime:     RuntimeExec,
	}
}

// ReachabilityInterval returns the configured poll interval, or zero
// when the default should apply.
func (s Settings) ReachabilityInterval() time.Duration {
	return time.Duration(s.ReachabilityIntervalMS) * time.Millisecond
}

// ReachabilityTimeout returns the configured total budget, or zero when
// the default should apply.
func (s Settings) ReachabilityTimeout() time.Duration {
	return time.Duration(s.ReachabilityTimeoutMS) * time.Millisecond
}

// Validate checks the runtime selector and override signs.
func (s Settings) Validate() error {
	switch s.Runtime {
	case RuntimeExec, RuntimeDocker:
	default:
		return fmt.Errorf("invalid runtime %q (valid: exec, docker)", s.Runtime)
	}
	if s.ReachabilityIntervalMS < 0 || s.ReachabilityTimeoutMS < 0 {
		return fmt.Errorf("reachability overrides must not be negative")
	}
	return nil
}

// LoadSettings reads settings.jsonc from the config directory, merging
// the file over the defaults. A missing file yields the defaults.
//
// The file is JSONC: comments and trailing commas are stripped with
// tidwall/jsonc before parsing, since settings files are hand-edited
// and real-world ones accumulate comments.
func LoadSettings(dir string) (Settings, error) {
	settings := DefaultSettings()
	path := filepath.Join(dir, SettingsFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return Settings{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := json.Unmarshal(jsonc.ToJSON(data), &settings); err != nil {
		return Settings{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings in %s: %w", path, err)
	}

	return settings, nil
}

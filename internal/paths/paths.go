// Package paths provides a single source of truth for relay file paths.
// All path helpers honor environment variable overrides for isolated testing.
//
// Path resolution precedence:
//  1. Specific env vars (RELAY_SOCKET_PATH, RELAY_PID_PATH) take highest priority
//  2. RELAY_DIR env var sets the base directory (derives socket/pid/outbox/config)
//  3. Default behavior (~/.relay) when no env vars are set
package paths

import (
	"os"
	"path/filepath"
)

// Environment variable names for path overrides.
const (
	// EnvRelayDir is the base directory override (e.g., /tmp/relay-e2e).
	// When set, socket, PID, outbox, and config paths derive from this directory.
	EnvRelayDir = "RELAY_DIR"

	// EnvSocketPath overrides the socket path directly.
	EnvSocketPath = "RELAY_SOCKET_PATH"

	// EnvPIDPath overrides the PID file path directly.
	EnvPIDPath = "RELAY_PID_PATH"
)

// BaseDir returns the relay base directory (~/.relay by default).
// Honors RELAY_DIR environment variable.
func BaseDir() (string, error) {
	if dir := os.Getenv(EnvRelayDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".relay"), nil
}

// SocketPath returns the daemon socket path.
// Precedence: RELAY_SOCKET_PATH > RELAY_DIR/relay.sock > ~/.relay/relay.sock
func SocketPath() string {
	if path := os.Getenv(EnvSocketPath); path != "" {
		return path
	}
	base, err := BaseDir()
	if err != nil {
		return "/tmp/relay.sock"
	}
	return filepath.Join(base, "relay.sock")
}

// PIDPath returns the daemon PID file path.
// Precedence: RELAY_PID_PATH > RELAY_DIR/relay.pid > ~/.relay/relay.pid
func PIDPath() string {
	if path := os.Getenv(EnvPIDPath); path != "" {
		return path
	}
	base, err := BaseDir()
	if err != nil {
		return "/tmp/relay.pid"
	}
	return filepath.Join(base, "relay.pid")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	base, err := BaseDir()
	if err != nil {
		return "/tmp/relay.log"
	}
	return filepath.Join(base, "relay.log")
}

// OutboxDir returns the file-ingress outbox directory.
// Agents that cannot hold a socket drop structured message files here.
func OutboxDir() (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "outbox"), nil
}

// AuthConfigPath returns the path to the team authorization config file.
func AuthConfigPath() (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "auth.toml"), nil
}

// CLIProfilesPath returns the path to the launcher CLI profiles file.
func CLIProfilesPath() (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "clis.yaml"), nil
}

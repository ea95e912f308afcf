// Package config provides configuration loading, validation, and hot-reload
// for the Beakr desktop agent.
//
// Configuration file: $XDG_CONFIG_HOME/beakr/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (scoped folders, log level, heartbeat
//     interval).
//   - Destructive changes (pairing URL, local store path, operator socket
//     path) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (backoff bounds, heartbeat interval).
//   - Scoped folder paths must be absolute.
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the desktop agent.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// Agent configures the userspace agent and its scoped folders.
	Agent AgentConfig `yaml:"agent"`

	// Connection configures the WebSocket supervisor.
	Connection ConnectionConfig `yaml:"connection"`

	// Pairing configures the one-shot pairing HTTP client.
	Pairing PairingConfig `yaml:"pairing"`

	// Storage configures the bbolt persistent store.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the operator override Unix socket.
	Operator OperatorConfig `yaml:"operator"`
}

// AgentConfig holds agent-level operational parameters.
type AgentConfig struct {
	// ScopedFolders is the set of absolute directory paths the agent exposes
	// to the cloud service. Every filesystem tool call is validated against
	// this list. Default: the user's home directory.
	ScopedFolders []string `yaml:"scoped_folders"`

	// MaxConcurrentRequests is validated to lie in [1, 16]. The supervisor
	// services tool requests one at a time whatever its value.
	// Default: 1 (serialized — see design notes on ordering).
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`

	// LightweightMode disables the Prometheus metrics HTTP listener to
	// reduce resource consumption on constrained machines.
	// Default: false.
	LightweightMode bool `yaml:"lightweight_mode"`
}

// ConnectionConfig holds WebSocket supervisor parameters.
type ConnectionConfig struct {
	// ServerURL is the wss:// endpoint the agent connects and registers to.
	ServerURL string `yaml:"server_url"`

	// HeartbeatInterval is the interval between heartbeat frames sent while
	// connected. Default: 45s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// InitialBackoff is the first reconnect delay after an unexpected
	// disconnect. Default: 1s.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the exponential reconnect delay. Default: 30s.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BackoffMultiplier is applied to the delay after each failed attempt.
	// Default: 2.0.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// HandshakeTimeout bounds how long the agent waits for a "registered"
	// frame after sending "register". Default: 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// PairingConfig holds the one-shot pairing HTTP client's parameters.
type PairingConfig struct {
	// BaseURL is the HTTPS origin the pairing client POSTs a pairing code
	// to in exchange for a device token.
	BaseURL string `yaml:"base_url"`

	// RequestTimeout bounds the pairing HTTP call. Default: 15s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig holds bbolt parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the bbolt file.
	// Default: $XDG_DATA_HOME/beakr/agent.db.
	DBPath string `yaml:"db_path"`

	// ActivityRetentionDays is how long activity ledger entries are kept
	// before Prune removes them. Default: 30.
	ActivityRetentionDays int `yaml:"activity_retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: console (the agent is typically run interactively or as a
	// user-level launchd/systemd unit with a human tailing its log).
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the operator socket's parameters.
// The socket lets beakrctl, running as the same user, query status and
// issue non-destructive overrides without restarting the agent.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path beakrctl connects to.
	// Default: $XDG_RUNTIME_DIR/beakr/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		SchemaVersion: "1",
		Agent: AgentConfig{
			ScopedFolders:         defaultScopedFolders(home),
			MaxConcurrentRequests: 1,
		},
		Connection: ConnectionConfig{
			HeartbeatInterval: 45 * time.Second,
			InitialBackoff:    time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
			HandshakeTimeout:  10 * time.Second,
		},
		Pairing: PairingConfig{
			RequestTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:                DefaultDBPath(),
			ActivityRetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "console",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: DefaultSocketPath(),
		},
	}
}

func defaultScopedFolders(home string) []string {
	if home == "" {
		return nil
	}
	return []string{home}
}

// DefaultDBPath returns the XDG data-home location of the local store.
// The storage package's own DefaultDBPath is only a bare file name.
func DefaultDBPath() string {
	path, err := xdg.DataFile("beakr/agent.db")
	if err != nil {
		return filepath.Join(os.TempDir(), "beakr", "agent.db")
	}
	return path
}

// DefaultSocketPath returns the XDG runtime-dir location of the operator
// socket, falling back to a temp-dir path when no runtime dir is set (as on
// some macOS and CI configurations).
func DefaultSocketPath() string {
	path, err := xdg.RuntimeFile("beakr/operator.sock")
	if err != nil {
		return filepath.Join(os.TempDir(), "beakr", "operator.sock")
	}
	return path
}

// DefaultConfigPath returns the XDG config-home location of config.yaml.
func DefaultConfigPath() (string, error) {
	path, err := xdg.ConfigFile("beakr/config.yaml")
	if err != nil {
		return filepath.Join(os.TempDir(), "beakr", "config.yaml"), err
	}
	return path, nil
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if len(cfg.Agent.ScopedFolders) == 0 {
		errs = append(errs, "agent.scoped_folders must contain at least one path")
	}
	for _, p := range cfg.Agent.ScopedFolders {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Sprintf("agent.scoped_folders entry %q must be absolute", p))
		}
	}
	if cfg.Agent.MaxConcurrentRequests < 1 || cfg.Agent.MaxConcurrentRequests > 16 {
		errs = append(errs, fmt.Sprintf("agent.max_concurrent_requests must be in [1, 16], got %d", cfg.Agent.MaxConcurrentRequests))
	}
	if cfg.Connection.ServerURL == "" {
		errs = append(errs, "connection.server_url must not be empty")
	}
	if cfg.Connection.HeartbeatInterval < time.Second {
		errs = append(errs, fmt.Sprintf("connection.heartbeat_interval must be >= 1s, got %s", cfg.Connection.HeartbeatInterval))
	}
	if cfg.Connection.InitialBackoff <= 0 {
		errs = append(errs, "connection.initial_backoff must be > 0")
	}
	if cfg.Connection.MaxBackoff < cfg.Connection.InitialBackoff {
		errs = append(errs, "connection.max_backoff must be >= initial_backoff")
	}
	if cfg.Connection.BackoffMultiplier <= 1.0 {
		errs = append(errs, fmt.Sprintf("connection.backoff_multiplier must be > 1.0, got %f", cfg.Connection.BackoffMultiplier))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.ActivityRetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.activity_retention_days must be >= 1, got %d", cfg.Storage.ActivityRetentionDays))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be \"json\" or \"console\", got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

// NonDestructiveDiff reports whether next can be applied via SIGHUP
// without a restart. It returns false, with a reason, when storage.db_path,
// operator.socket_path, connection.server_url or pairing.base_url differ;
// no other field is compared. Scoped folders, log level and heartbeat
// interval are the fields the SIGHUP handler applies live.
func NonDestructiveDiff(current, next *Config) (safe bool, reason string) {
	clone := *current
	clone.Agent.ScopedFolders = next.Agent.ScopedFolders
	clone.Observability.LogLevel = next.Observability.LogLevel
	clone.Connection.HeartbeatInterval = next.Connection.HeartbeatInterval

	if clone.Storage.DBPath != next.Storage.DBPath {
		return false, "storage.db_path changed, restart required"
	}
	if clone.Operator.SocketPath != next.Operator.SocketPath {
		return false, "operator.socket_path changed, restart required"
	}
	if clone.Connection.ServerURL != next.Connection.ServerURL {
		return false, "connection.server_url changed, restart required"
	}
	if clone.Pairing.BaseURL != next.Pairing.BaseURL {
		return false, "pairing.base_url changed, restart required"
	}
	return true, ""
}

// Package daemon implements the relay daemon: the Unix-socket server,
// per-connection state machines, the router, the sync correlator, and the
// spawn manager.
package daemon

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/tessro/relay/internal/paths"
	"github.com/tessro/relay/internal/protocol"
)

// Duplicate-name policies for agent registration.
const (
	PolicyDisplace = "displace"
	PolicyReject   = "reject"
)

// Config holds daemon runtime configuration. Values come from the
// environment; unset fields fall back to the documented defaults.
type Config struct {
	SocketPath string `env:"RELAY_SOCKET_PATH"`
	PIDPath    string `env:"RELAY_PID_PATH"`

	// LegacySocketPath, when set, opens a second unix listener whose
	// connections speak the legacy 4-byte JSON-only framing.
	LegacySocketPath string `env:"RELAY_LEGACY_SOCKET_PATH"`

	// DuplicatePolicy selects what happens when a second client registers
	// an agent name that is already live: "displace" (default) or "reject".
	DuplicatePolicy string `env:"RELAY_DUPLICATE_POLICY" envDefault:"displace"`

	MaxFrameBytes int           `env:"RELAY_MAX_FRAME_BYTES" envDefault:"1048576"`
	Heartbeat     time.Duration `env:"RELAY_HEARTBEAT" envDefault:"5s"`

	// HeartbeatTimeoutMultiplier scales Heartbeat into the liveness window:
	// a connection silent for Heartbeat*N is forced to CLOSING.
	HeartbeatTimeoutMultiplier int `env:"RELAY_HEARTBEAT_TIMEOUT_MULTIPLIER" envDefault:"6"`

	HandshakeTimeout time.Duration `env:"RELAY_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	ShutdownGrace    time.Duration `env:"RELAY_SHUTDOWN_GRACE" envDefault:"2s"`
	AckTimeout       time.Duration `env:"RELAY_ACK_TIMEOUT" envDefault:"30s"`

	// Write queue watermarks (per connection).
	QueueLowWatermark  int `env:"RELAY_QUEUE_LOW" envDefault:"500"`
	QueueHighWatermark int `env:"RELAY_QUEUE_HIGH" envDefault:"1500"`
	QueueHardCap       int `env:"RELAY_QUEUE_HARD_CAP" envDefault:"2000"`

	// Optional TLS listener for network deployments.
	TLSAddr       string   `env:"RELAY_TLS_ADDR"`
	TLSCertFile   string   `env:"RELAY_TLS_CERT"`
	TLSKeyFile    string   `env:"RELAY_TLS_KEY"`
	TLSClientCA   string   `env:"RELAY_TLS_CLIENT_CA"`
	TLSAllowedCNs []string `env:"RELAY_TLS_ALLOWED_CNS" envSeparator:","`

	// Optional Prometheus metrics listener (e.g. "127.0.0.1:9321").
	MetricsAddr string `env:"RELAY_METRICS_ADDR"`

	// Outbox file ingress.
	OutboxEnabled      bool          `env:"RELAY_OUTBOX_ENABLED" envDefault:"true"`
	OutboxDir          string        `env:"RELAY_OUTBOX_DIR"`
	OutboxStaleTimeout time.Duration `env:"RELAY_OUTBOX_STALE_TIMEOUT" envDefault:"60s"`
}

// LoadConfig builds a Config from the environment, filling path defaults
// from the paths package.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns a Config with all defaults applied and no
// environment consulted. Used by tests.
func DefaultConfig() Config {
	cfg := Config{
		DuplicatePolicy:            PolicyDisplace,
		MaxFrameBytes:              protocol.DefaultMaxFrame,
		Heartbeat:                  5 * time.Second,
		HeartbeatTimeoutMultiplier: 6,
		HandshakeTimeout:           5 * time.Second,
		ShutdownGrace:              2 * time.Second,
		AckTimeout:                 30 * time.Second,
		QueueLowWatermark:          500,
		QueueHighWatermark:         1500,
		QueueHardCap:               2000,
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = paths.SocketPath()
	}
	if c.PIDPath == "" {
		c.PIDPath = paths.PIDPath()
	}
	if c.OutboxDir == "" {
		if dir, err := paths.OutboxDir(); err == nil {
			c.OutboxDir = dir
		}
	}
}

func (c *Config) validate() error {
	switch c.DuplicatePolicy {
	case PolicyDisplace, PolicyReject:
	default:
		return fmt.Errorf("invalid RELAY_DUPLICATE_POLICY %q (want displace or reject)", c.DuplicatePolicy)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("invalid RELAY_MAX_FRAME_BYTES %d", c.MaxFrameBytes)
	}
	if c.QueueLowWatermark >= c.QueueHighWatermark || c.QueueHighWatermark > c.QueueHardCap {
		return fmt.Errorf("invalid queue watermarks: low=%d high=%d hard=%d",
			c.QueueLowWatermark, c.QueueHighWatermark, c.QueueHardCap)
	}
	if c.TLSAddr != "" && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("RELAY_TLS_ADDR requires RELAY_TLS_CERT and RELAY_TLS_KEY")
	}
	return nil
}

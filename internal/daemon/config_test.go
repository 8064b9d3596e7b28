package daemon

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("RELAY_DIR", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.DuplicatePolicy != PolicyDisplace {
		t.Errorf("DuplicatePolicy = %q, want displace", cfg.DuplicatePolicy)
	}
	if cfg.MaxFrameBytes != 1048576 {
		t.Errorf("MaxFrameBytes = %d, want 1 MiB", cfg.MaxFrameBytes)
	}
	if cfg.Heartbeat != 5*time.Second {
		t.Errorf("Heartbeat = %s, want 5s", cfg.Heartbeat)
	}
	if cfg.QueueLowWatermark != 500 || cfg.QueueHighWatermark != 1500 || cfg.QueueHardCap != 2000 {
		t.Errorf("watermarks = %d/%d/%d, want 500/1500/2000",
			cfg.QueueLowWatermark, cfg.QueueHighWatermark, cfg.QueueHardCap)
	}
	if cfg.SocketPath == "" || cfg.PIDPath == "" {
		t.Error("socket and pid paths must default")
	}
	if !strings.HasSuffix(cfg.OutboxDir, "/outbox") {
		t.Errorf("OutboxDir = %q, want RELAY_DIR/outbox", cfg.OutboxDir)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("RELAY_DIR", t.TempDir())
	t.Setenv("RELAY_DUPLICATE_POLICY", "reject")
	t.Setenv("RELAY_HEARTBEAT", "2s")
	t.Setenv("RELAY_QUEUE_HIGH", "600")
	t.Setenv("RELAY_SOCKET_PATH", "/tmp/custom.sock")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.DuplicatePolicy != PolicyReject {
		t.Errorf("DuplicatePolicy = %q, want reject", cfg.DuplicatePolicy)
	}
	if cfg.Heartbeat != 2*time.Second {
		t.Errorf("Heartbeat = %s, want 2s", cfg.Heartbeat)
	}
	if cfg.QueueHighWatermark != 600 {
		t.Errorf("QueueHighWatermark = %d, want 600", cfg.QueueHighWatermark)
	}
	if cfg.SocketPath != "/tmp/custom.sock" {
		t.Errorf("SocketPath = %q, want /tmp/custom.sock", cfg.SocketPath)
	}
}

func TestLoadConfig_InvalidPolicy(t *testing.T) {
	t.Setenv("RELAY_DIR", t.TempDir())
	t.Setenv("RELAY_DUPLICATE_POLICY", "coinflip")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("invalid policy must be rejected")
	}
}

func TestConfig_ValidateWatermarks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueLowWatermark = 1500
	cfg.QueueHighWatermark = 500
	if err := cfg.validate(); err == nil {
		t.Fatal("inverted watermarks must be rejected")
	}

	cfg = DefaultConfig()
	cfg.QueueHardCap = 100
	if err := cfg.validate(); err == nil {
		t.Fatal("hard cap below high watermark must be rejected")
	}
}

func TestConfig_ValidateTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLSAddr = "127.0.0.1:7420"
	if err := cfg.validate(); err == nil {
		t.Fatal("TLS addr without keypair must be rejected")
	}
}

package paths

import (
	"path/filepath"
	"testing"
)

func TestBaseDir_EnvOverride(t *testing.T) {
	t.Setenv(EnvRelayDir, "/tmp/relay-test")

	dir, err := BaseDir()
	if err != nil {
		t.Fatalf("BaseDir() error = %v", err)
	}
	if dir != "/tmp/relay-test" {
		t.Errorf("BaseDir() = %q, want %q", dir, "/tmp/relay-test")
	}
}

func TestBaseDir_Default(t *testing.T) {
	t.Setenv(EnvRelayDir, "")

	dir, err := BaseDir()
	if err != nil {
		t.Fatalf("BaseDir() error = %v", err)
	}
	if filepath.Base(dir) != ".relay" {
		t.Errorf("BaseDir() = %q, want a ~/.relay path", dir)
	}
}

func TestSocketPath_Precedence(t *testing.T) {
	tests := []struct {
		name       string
		socketEnv  string
		relayDir   string
		wantSuffix string
	}{
		{
			name:       "explicit socket path wins",
			socketEnv:  "/tmp/custom.sock",
			relayDir:   "/tmp/relay-dir",
			wantSuffix: "/tmp/custom.sock",
		},
		{
			name:       "relay dir derives socket",
			relayDir:   "/tmp/relay-dir",
			wantSuffix: "/tmp/relay-dir/relay.sock",
		},
		{
			name:       "default under home",
			wantSuffix: filepath.Join(".relay", "relay.sock"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvSocketPath, tt.socketEnv)
			t.Setenv(EnvRelayDir, tt.relayDir)

			got := SocketPath()
			if tt.socketEnv != "" || tt.relayDir != "" {
				if got != tt.wantSuffix {
					t.Errorf("SocketPath() = %q, want %q", got, tt.wantSuffix)
				}
				return
			}
			if filepath.Base(got) != "relay.sock" {
				t.Errorf("SocketPath() = %q, want a relay.sock path", got)
			}
		})
	}
}

func TestPIDPath_EnvOverride(t *testing.T) {
	t.Setenv(EnvPIDPath, "/tmp/custom.pid")

	if got := PIDPath(); got != "/tmp/custom.pid" {
		t.Errorf("PIDPath() = %q, want /tmp/custom.pid", got)
	}
}

func TestDerivedPaths(t *testing.T) {
	t.Setenv(EnvRelayDir, "/tmp/relay-dir")

	outbox, err := OutboxDir()
	if err != nil {
		t.Fatalf("OutboxDir() error = %v", err)
	}
	if outbox != "/tmp/relay-dir/outbox" {
		t.Errorf("OutboxDir() = %q", outbox)
	}

	auth, err := AuthConfigPath()
	if err != nil {
		t.Fatalf("AuthConfigPath() error = %v", err)
	}
	if auth != "/tmp/relay-dir/auth.toml" {
		t.Errorf("AuthConfigPath() = %q", auth)
	}

	clis, err := CLIProfilesPath()
	if err != nil {
		t.Fatalf("CLIProfilesPath() error = %v", err)
	}
	if clis != "/tmp/relay-dir/clis.yaml" {
		t.Errorf("CLIProfilesPath() = %q", clis)
	}
}

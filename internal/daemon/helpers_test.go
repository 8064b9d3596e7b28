package daemon

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/tessro/relay/internal/protocol"
)

// shortTempDir creates a temp directory with a short path for socket tests.
// Unix sockets have a path limit (~104 chars on macOS), and t.TempDir()
// includes the full test name which can exceed this limit.
func shortTempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "relay-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() { os.RemoveAll(dir) }
}

// testConfig returns a Config tuned for fast tests.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Heartbeat = time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ShutdownGrace = 200 * time.Millisecond
	return cfg
}

// pipeConn wraps one end of a net.Pipe in a Conn without starting its
// goroutines, so tests can inspect queued frames directly.
func pipeConn(t *testing.T, cfg Config, hooks ConnHooks) (*Conn, net.Conn) {
	t.Helper()
	left, right := net.Pipe()
	c := newConn(left, cfg, hooks)
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return c, right
}

// activate marks a connection as a handshaken agent, bypassing the wire.
func activate(c *Conn, name string) {
	c.mu.Lock()
	c.agentName = name
	c.hello = &protocol.HelloPayload{Agent: name, Entity: protocol.EntityAgent}
	c.mu.Unlock()
	c.state.Store(int32(StateActive))
}

// popEnvelope decodes the next frame queued on a non-started connection.
func popEnvelope(t *testing.T, c *Conn) *protocol.Envelope {
	t.Helper()
	select {
	case frame := <-c.writeCh:
		dec := protocol.NewDecoder(protocol.DefaultMaxFrame)
		envs, err := dec.Push(frame)
		if err != nil {
			t.Fatalf("decode queued frame: %v", err)
		}
		if len(envs) != 1 {
			t.Fatalf("expected 1 envelope in frame, got %d", len(envs))
		}
		return envs[0]
	case <-time.After(2 * time.Second):
		t.Fatal("no frame queued within 2s")
		return nil
	}
}

// mustNoEnvelope asserts the connection has nothing queued.
func mustNoEnvelope(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case frame := <-c.writeCh:
		dec := protocol.NewDecoder(protocol.DefaultMaxFrame)
		envs, _ := dec.Push(frame)
		if len(envs) > 0 {
			t.Fatalf("unexpected queued envelope: %s", envs[0].Kind)
		}
		t.Fatal("unexpected queued frame")
	default:
	}
}

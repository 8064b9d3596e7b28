package daemon

import "errors"

// Errors returned by connection and registry operations.
var (
	// ErrQueueFull indicates a write-queue hard-cap overflow. The
	// overflowing connection is closed; senders get a BUSY NACK.
	ErrQueueFull = errors.New("write queue hard cap exceeded")

	// ErrConnClosed indicates an enqueue on a CLOSING or CLOSED connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrNameTaken indicates a duplicate agent name under the reject policy.
	ErrNameTaken = errors.New("agent name already registered")

	// ErrNotFound indicates the target agent has no live connection.
	ErrNotFound = errors.New("agent not found")

	// errHeartbeatTimeout closes connections silent past the liveness window.
	errHeartbeatTimeout = errors.New("heartbeat timeout")

	// errHandshakeTimeout closes connections that never complete HELLO.
	errHandshakeTimeout = errors.New("handshake timeout")
)

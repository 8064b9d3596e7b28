package daemon

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tessro/relay/internal/id"
	"github.com/tessro/relay/internal/logging"
	"github.com/tessro/relay/internal/protocol"
)

// State is a connection lifecycle state.
type State int32

const (
	StateHandshake State = iota
	StateActive
	StateClosing
	StateClosed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// writeDeadline bounds a single socket write so one wedged peer cannot
// stall its writer goroutine forever.
const writeDeadline = 5 * time.Second

// ConnHooks are the server-side callbacks a connection invokes.
// OnHello runs once, after a valid HELLO decodes; returning an error
// aborts the handshake. OnEnvelope runs for every post-handshake envelope.
// OnClose runs exactly once when the connection reaches CLOSED.
type ConnHooks struct {
	OnHello    func(c *Conn, hello *protocol.HelloPayload) error
	OnEnvelope func(c *Conn, env *protocol.Envelope)
	OnClose    func(c *Conn, err error)
}

// Conn owns one client socket: its framing decoder, handshake and
// heartbeat timers, bounded write queue, and outbound sequence counter.
// A reader goroutine and a writer goroutine cooperate per connection; the
// router only touches a Conn through Enqueue and NextSeq.
type Conn struct {
	id        string
	sessionID string
	sock      net.Conn
	cfg       Config
	hooks     ConnHooks
	dec       *protocol.Decoder

	state atomic.Int32
	seq   atomic.Uint64

	mu sync.Mutex
	// +checklocks:mu
	hello *protocol.HelloPayload
	// +checklocks:mu
	agentName string
	// +checklocks:mu
	lastActivity time.Time
	// +checklocks:mu
	busy bool // write queue above the high watermark
	// +checklocks:mu
	writeFormat byte
	// +checklocks:mu
	formatKnown bool
	// +checklocks:mu
	cumulativeAck uint64
	// +checklocks:mu
	sack map[uint64]struct{}

	writeCh    chan []byte
	closing    chan struct{}
	writerDone chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
	closeErr   error

	handshakeTimer *time.Timer
}

// newConn wraps an accepted socket. Start must be called to begin the
// reader, writer, and heartbeat loops.
func newConn(sock net.Conn, cfg Config, hooks ConnHooks) *Conn {
	c := &Conn{
		id:         id.Session(),
		sessionID:  id.Session(),
		sock:       sock,
		cfg:        cfg,
		hooks:      hooks,
		dec:        protocol.NewDecoder(cfg.MaxFrameBytes),
		writeCh:    make(chan []byte, cfg.QueueHardCap),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		closed:     make(chan struct{}),
		sack:       make(map[uint64]struct{}),
	}
	c.state.Store(int32(StateHandshake))
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.writeFormat = protocol.FormatJSON
	c.mu.Unlock()
	return c
}

// SetLegacy switches the connection to the legacy 4-byte JSON framing.
// Must be called before Start.
func (c *Conn) SetLegacy(legacy bool) {
	c.dec.SetLegacy(legacy)
}

// Start launches the connection's goroutines.
func (c *Conn) Start() {
	c.handshakeTimer = time.AfterFunc(c.cfg.HandshakeTimeout, func() {
		if c.State() == StateHandshake {
			c.abort(protocol.CodeBadRequest, "handshake timeout", errHandshakeTimeout)
		}
	})
	go c.readLoop()
	go c.writeLoop()
	go c.heartbeatLoop()
}

// ID returns the connection id (distinct from the session id).
func (c *Conn) ID() string { return c.id }

// SessionID returns the daemon-assigned session identifier.
func (c *Conn) SessionID() string { return c.sessionID }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Name returns the registered agent name, or "" before handshake.
func (c *Conn) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentName
}

// Hello returns the handshake payload, or nil before handshake.
func (c *Conn) Hello() *protocol.HelloPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// NextSeq returns the next outbound delivery sequence number.
// Sequences are strictly increasing per connection.
func (c *Conn) NextSeq() uint64 {
	return c.seq.Add(1)
}

// QueueDepth returns the current write-queue depth.
func (c *Conn) QueueDepth() int {
	return len(c.writeCh)
}

// Done is closed once the connection reaches CLOSED.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// RecordAck stores cumulative and selective ack state from an ACK payload
// so a future session resume can compute unacknowledged deliveries.
func (c *Conn) RecordAck(ack *protocol.AckPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ack.CumulativeSeq > c.cumulativeAck {
		c.cumulativeAck = ack.CumulativeSeq
		for seq := range c.sack {
			if seq <= c.cumulativeAck {
				delete(c.sack, seq)
			}
		}
	}
	for _, seq := range ack.Sack {
		if seq > c.cumulativeAck {
			c.sack[seq] = struct{}{}
		}
	}
	if ack.Seq > c.cumulativeAck {
		c.sack[ack.Seq] = struct{}{}
	}
}

// AckState returns the cumulative ack floor and a snapshot of selective acks.
func (c *Conn) AckState() (cumulative uint64, sack []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sack = make([]uint64, 0, len(c.sack))
	for seq := range c.sack {
		sack = append(sack, seq)
	}
	return c.cumulativeAck, sack
}

// Enqueue encodes env in the connection's wire format and appends it to
// the write queue. Crossing the high watermark emits a single BUSY toward
// the peer; overflowing the hard cap is fatal to the connection and
// returns ErrQueueFull.
func (c *Conn) Enqueue(env *protocol.Envelope) error {
	if s := c.State(); s == StateClosing || s == StateClosed {
		return ErrConnClosed
	}
	frame, err := c.encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Kind, err)
	}

	select {
	case c.writeCh <- frame:
	default:
		c.abort(protocol.CodeInternal, "write queue overflow", ErrQueueFull)
		return ErrQueueFull
	}

	depth := len(c.writeCh)
	c.mu.Lock()
	crossed := !c.busy && depth >= c.cfg.QueueHighWatermark
	if crossed {
		c.busy = true
	}
	c.mu.Unlock()

	if crossed {
		slog.Warn("write queue above high watermark",
			"conn", c.id, "agent", c.Name(), "depth", depth)
		c.enqueueControl(protocol.NewWithPayload(protocol.KindBusy, protocol.BusyPayload{
			RetryAfterMs: c.cfg.Heartbeat.Milliseconds(),
			QueueDepth:   depth,
			Accept:       false,
		}))
	}
	return nil
}

// enqueueControl appends a daemon-originated control frame without
// re-running watermark logic. Best effort: dropped if the queue is full.
func (c *Conn) enqueueControl(env *protocol.Envelope) {
	frame, err := c.encode(env)
	if err != nil {
		return
	}
	select {
	case c.writeCh <- frame:
	default:
	}
}

func (c *Conn) encode(env *protocol.Envelope) ([]byte, error) {
	c.mu.Lock()
	legacy := c.dec.Legacy()
	format := c.writeFormat
	c.mu.Unlock()
	if legacy {
		return protocol.EncodeLegacyFrame(env)
	}
	return protocol.EncodeFrame(env, format)
}

// readLoop reads frames, runs the handshake, and hands envelopes to the
// server.
func (c *Conn) readLoop() {
	defer logging.LogPanic("conn-read-loop", func(any) { c.Close(nil) })

	buf := make([]byte, 32*1024)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			envs, perr := c.dec.Push(buf[:n])
			if perr != nil {
				c.abort(protocol.CodeBadRequest, perr.Error(), perr)
				return
			}
			for _, env := range envs {
				c.touch()
				if !c.handleEnvelope(env) {
					return
				}
			}
		}
		if err != nil {
			c.Close(nil)
			return
		}
	}
}

// handleEnvelope runs the connection state machine for one envelope.
// Returns false when the connection is done reading.
func (c *Conn) handleEnvelope(env *protocol.Envelope) bool {
	if err := env.Validate(); err != nil {
		c.abort(protocol.CodeBadRequest, err.Error(), err)
		return false
	}

	// Answer in whatever encoding the client speaks.
	c.mu.Lock()
	if !c.formatKnown {
		c.writeFormat = c.dec.LastFormat()
		c.formatKnown = true
	}
	c.mu.Unlock()

	switch c.State() {
	case StateHandshake:
		return c.handleHandshake(env)
	case StateActive:
		return c.handleActive(env)
	default:
		// Draining; ignore late frames.
		return false
	}
}

// handleHandshake accepts exactly one frame, which must be a valid HELLO.
func (c *Conn) handleHandshake(env *protocol.Envelope) bool {
	if env.Kind != protocol.KindHello {
		c.abort(protocol.CodeBadRequest, fmt.Sprintf("expected HELLO, got %s", env.Kind), nil)
		return false
	}
	hello, err := protocol.DecodePayload[protocol.HelloPayload](env.Payload)
	if err != nil {
		c.abort(protocol.CodeBadRequest, "invalid HELLO payload", err)
		return false
	}
	if hello.Agent == "" {
		c.abort(protocol.CodeBadRequest, "HELLO missing agent name", nil)
		return false
	}
	if hello.Entity == "" {
		hello.Entity = protocol.EntityAgent
	}

	c.mu.Lock()
	c.hello = hello
	c.agentName = hello.Agent
	c.mu.Unlock()

	if c.hooks.OnHello != nil {
		if err := c.hooks.OnHello(c, hello); err != nil {
			c.abort(protocol.CodeUnauthorized, err.Error(), err)
			return false
		}
	}

	c.handshakeTimer.Stop()
	c.state.Store(int32(StateActive))

	welcome := protocol.NewWithPayload(protocol.KindWelcome, protocol.WelcomePayload{
		SessionID: c.sessionID,
		Server: protocol.ServerInfo{
			MaxFrameBytes: c.cfg.MaxFrameBytes,
			HeartbeatMs:   c.cfg.Heartbeat.Milliseconds(),
		},
	})
	welcome.To = hello.Agent
	if err := c.Enqueue(welcome); err != nil {
		c.Close(err)
		return false
	}

	slog.Info("agent connected",
		"agent", hello.Agent, "entity", hello.Entity, "cli", hello.CLI,
		"session", c.sessionID)
	return true
}

// handleActive processes a post-handshake envelope. Health traffic is
// absorbed here; everything else goes to the server dispatch.
func (c *Conn) handleActive(env *protocol.Envelope) bool {
	switch env.Kind {
	case protocol.KindHello:
		c.abort(protocol.CodeBadRequest, "duplicate HELLO", nil)
		return false
	case protocol.KindPong:
		return true // touch already recorded
	case protocol.KindPing:
		pong := protocol.New(protocol.KindPong)
		pong.Payload = env.Payload
		c.enqueueControl(pong)
		return true
	case protocol.KindBye:
		c.Close(nil)
		return false
	default:
		if c.hooks.OnEnvelope != nil {
			c.hooks.OnEnvelope(c, env)
		}
		return true
	}
}

// writeLoop owns the socket for writes. When the connection enters
// CLOSING it drains the remaining queue, bounded by the caller's grace
// timer in Close.
func (c *Conn) writeLoop() {
	defer logging.LogPanic("conn-write-loop", nil)
	defer close(c.writerDone)

	for {
		select {
		case frame := <-c.writeCh:
			if !c.writeFrame(frame) {
				return
			}
			c.maybeResume()
		case <-c.closing:
			// Drain what is already queued, then stop.
			for {
				select {
				case frame := <-c.writeCh:
					if !c.writeFrame(frame) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) writeFrame(frame []byte) bool {
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeDeadline))
	if _, err := c.sock.Write(frame); err != nil {
		c.Close(err)
		return false
	}
	_ = c.sock.SetWriteDeadline(time.Time{})
	return true
}

// maybeResume emits the backpressure resume signal on the low-watermark
// transition.
func (c *Conn) maybeResume() {
	depth := len(c.writeCh)
	c.mu.Lock()
	resumed := c.busy && depth <= c.cfg.QueueLowWatermark
	if resumed {
		c.busy = false
	}
	c.mu.Unlock()

	if resumed {
		slog.Debug("write queue drained to low watermark", "conn", c.id, "depth", depth)
		c.enqueueControl(protocol.NewWithPayload(protocol.KindBusy, protocol.BusyPayload{
			QueueDepth: depth,
			Accept:     true,
		}))
	}
}

// heartbeatLoop sends PING with a fresh nonce every heartbeat interval and
// enforces the liveness window.
func (c *Conn) heartbeatLoop() {
	defer logging.LogPanic("conn-heartbeat-loop", nil)

	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	window := c.cfg.Heartbeat * time.Duration(c.cfg.HeartbeatTimeoutMultiplier)
	for {
		select {
		case <-ticker.C:
			if c.State() != StateActive {
				continue
			}
			c.mu.Lock()
			idle := time.Since(c.lastActivity)
			c.mu.Unlock()
			if idle > window {
				slog.Warn("connection heartbeat timeout",
					"conn", c.id, "agent", c.Name(), "idle", idle)
				c.abort(protocol.CodeInternal, "heartbeat timeout", errHeartbeatTimeout)
				return
			}
			c.enqueueControl(protocol.NewWithPayload(protocol.KindPing, protocol.PingPayload{
				Nonce: id.Nonce(),
			}))
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// SendError enqueues a non-fatal ERROR envelope toward the peer.
func (c *Conn) SendError(code, message string) {
	c.enqueueControl(protocol.NewWithPayload(protocol.KindError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	}))
}

// abort sends a fatal ERROR toward the peer and closes the connection.
func (c *Conn) abort(code, message string, cause error) {
	c.enqueueControl(protocol.NewWithPayload(protocol.KindError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
		Fatal:   true,
	}))
	if cause == nil {
		cause = fmt.Errorf("%s: %s", code, message)
	}
	c.Close(cause)
}

// Close transitions the connection to CLOSING, drains pending writes up
// to the shutdown grace period, then closes the socket and fires OnClose
// exactly once.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		if c.handshakeTimer != nil {
			c.handshakeTimer.Stop()
		}
		c.state.Store(int32(StateClosing))
		close(c.closing)

		go func() {
			defer logging.LogPanic("conn-close", nil)
			select {
			case <-c.writerDone:
			case <-time.After(c.cfg.ShutdownGrace):
			}
			c.state.Store(int32(StateClosed))
			_ = c.sock.Close()
			close(c.closed)
			if c.hooks.OnClose != nil {
				c.hooks.OnClose(c, c.closeErr)
			}
			slog.Debug("connection closed", "conn", c.id, "agent", c.Name(), "error", c.closeErr)
		}()
	})
}

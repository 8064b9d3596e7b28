// Package client implements a relay protocol client for the CLI and for
// programs embedding relay connectivity. It handles framing, handshake,
// and heartbeat replies; message consumption is pull-based via Recv.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tessro/relay/internal/id"
	"github.com/tessro/relay/internal/paths"
	"github.com/tessro/relay/internal/protocol"
)

// Options configure a client connection.
type Options struct {
	// SocketPath defaults to the standard relay socket.
	SocketPath string

	// Agent is the name to register under. Required.
	Agent string

	// Entity defaults to "agent".
	Entity string

	CLI   string
	Model string
	Task  string
	Cwd   string

	// Format selects the wire encoding for outbound frames
	// (protocol.FormatJSON or protocol.FormatMsgpack).
	Format byte

	// DialTimeout bounds the connect plus handshake. Defaults to 5s.
	DialTimeout time.Duration
}

// Client is a connected relay session.
type Client struct {
	sock    net.Conn
	dec     *protocol.Decoder
	format  byte
	agent   string
	welcome *protocol.WelcomePayload

	writeMu sync.Mutex

	pendingMu sync.Mutex
	// +checklocks:pendingMu
	pending []*protocol.Envelope

	inbox    chan *protocol.Envelope
	closed   chan struct{}
	closeErr error
	once     sync.Once
}

// Dial connects to the relay daemon and completes the handshake.
func Dial(opts Options) (*Client, error) {
	if opts.Agent == "" {
		return nil, fmt.Errorf("client: agent name required")
	}
	if opts.SocketPath == "" {
		opts.SocketPath = paths.SocketPath()
	}
	if opts.Entity == "" {
		opts.Entity = protocol.EntityAgent
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	sock, err := net.DialTimeout("unix", opts.SocketPath, opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		sock:   sock,
		dec:    protocol.NewDecoder(protocol.DefaultMaxFrame),
		format: opts.Format,
		agent:  opts.Agent,
		inbox:  make(chan *protocol.Envelope, 256),
		closed: make(chan struct{}),
	}

	hello := protocol.NewWithPayload(protocol.KindHello, protocol.HelloPayload{
		Agent:  opts.Agent,
		Entity: opts.Entity,
		CLI:    opts.CLI,
		Model:  opts.Model,
		Task:   opts.Task,
		Cwd:    opts.Cwd,
	})
	hello.From = opts.Agent
	if err := c.write(hello); err != nil {
		sock.Close()
		return nil, err
	}

	deadline := time.Now().Add(opts.DialTimeout)
	welcome, err := c.awaitWelcome(deadline)
	if err != nil {
		sock.Close()
		return nil, err
	}
	c.welcome = welcome

	go c.readLoop()
	return c, nil
}

// awaitWelcome reads frames until the WELCOME (or a fatal ERROR) arrives.
func (c *Client) awaitWelcome(deadline time.Time) (*protocol.WelcomePayload, error) {
	buf := make([]byte, 32*1024)
	for {
		_ = c.sock.SetReadDeadline(deadline)
		n, err := c.sock.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("handshake read: %w", err)
		}
		envs, perr := c.dec.Push(buf[:n])
		if perr != nil {
			return nil, fmt.Errorf("handshake decode: %w", perr)
		}
		for _, env := range envs {
			switch env.Kind {
			case protocol.KindWelcome:
				_ = c.sock.SetReadDeadline(time.Time{})
				return protocol.DecodePayload[protocol.WelcomePayload](env.Payload)
			case protocol.KindError:
				p, _ := protocol.DecodePayload[protocol.ErrorPayload](env.Payload)
				if p != nil {
					return nil, fmt.Errorf("handshake rejected: %s: %s", p.Code, p.Message)
				}
				return nil, fmt.Errorf("handshake rejected")
			}
		}
	}
}

// Agent returns the registered agent name.
func (c *Client) Agent() string { return c.agent }

// SessionID returns the daemon-assigned session id.
func (c *Client) SessionID() string {
	if c.welcome == nil {
		return ""
	}
	return c.welcome.SessionID
}

// Server returns the daemon limits advertised in WELCOME.
func (c *Client) Server() protocol.ServerInfo {
	if c.welcome == nil {
		return protocol.ServerInfo{}
	}
	return c.welcome.Server
}

// readLoop pumps inbound envelopes into the inbox, answering PING
// internally so callers never have to.
func (c *Client) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			envs, perr := c.dec.Push(buf[:n])
			if perr != nil {
				c.shutdown(perr)
				return
			}
			for _, env := range envs {
				if env.Kind == protocol.KindPing {
					pong := protocol.New(protocol.KindPong)
					pong.Payload = env.Payload
					_ = c.write(pong)
					continue
				}
				select {
				case c.inbox <- env:
				case <-c.closed:
					return
				}
			}
		}
		if err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *Client) write(env *protocol.Envelope) error {
	frame, err := protocol.EncodeFrame(env, c.format)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.sock.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", env.Kind, err)
	}
	_ = c.sock.SetWriteDeadline(time.Time{})
	return nil
}

// SendEnvelope writes an arbitrary envelope, stamping the from field.
func (c *Client) SendEnvelope(env *protocol.Envelope) error {
	env.From = c.agent
	return c.write(env)
}

// Send delivers a plain message to a named agent, a channel ("#name"),
// or all agents ("*"). Returns the envelope id.
func (c *Client) Send(to, body string) (string, error) {
	env := protocol.NewWithPayload(protocol.KindSend, protocol.MessagePayload{
		Kind: protocol.MessageKindMessage,
		Body: body,
	})
	env.To = to
	if err := c.SendEnvelope(env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Publish delivers a plain message to a topic's subscribers.
func (c *Client) Publish(topic, body string) (string, error) {
	env := protocol.NewWithPayload(protocol.KindSend, protocol.MessagePayload{
		Kind: protocol.MessageKindMessage,
		Body: body,
	})
	env.Topic = topic
	if err := c.SendEnvelope(env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// SendAndWaitAck performs a blocking send: it delivers body to a named
// agent and waits for the recipient's end-to-end ACK. Envelopes arriving
// while waiting are set aside and returned by later Recv calls, in
// arrival order. Returns the terminal ACK payload, or an error on
// timeout or daemon rejection.
func (c *Client) SendAndWaitAck(ctx context.Context, to, body string, timeout time.Duration) (*protocol.AckPayload, error) {
	corrID := id.Envelope()
	env := protocol.NewWithPayload(protocol.KindSend, protocol.MessagePayload{
		Kind: protocol.MessageKindMessage,
		Body: body,
	})
	env.To = to
	env.Meta = &protocol.Meta{
		RequiresAck: true,
		Sync: &protocol.SyncMeta{
			CorrelationID: corrID,
			TimeoutMs:     timeout.Milliseconds(),
			Blocking:      true,
		},
	}
	if err := c.SendEnvelope(env); err != nil {
		return nil, err
	}

	// Small cushion so the daemon's own timeout ERROR normally wins.
	deadline := time.NewTimer(timeout + time.Second)
	defer deadline.Stop()

	var consumed []*protocol.Envelope
	defer func() {
		if len(consumed) == 0 {
			return
		}
		c.pendingMu.Lock()
		c.pending = append(c.pending, consumed...)
		c.pendingMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("no ACK within %s", timeout)
		case <-c.closed:
			return nil, c.closeErr
		case in := <-c.inbox:
			switch in.Kind {
			case protocol.KindAck:
				ack, err := protocol.DecodePayload[protocol.AckPayload](in.Payload)
				if err == nil && ack.CorrelationID == corrID {
					return ack, nil
				}
			case protocol.KindNack:
				nack, err := protocol.DecodePayload[protocol.NackPayload](in.Payload)
				if err == nil && nack.AckID == env.ID {
					return nil, fmt.Errorf("send rejected: %s: %s", nack.Code, nack.Reason)
				}
			case protocol.KindError:
				p, err := protocol.DecodePayload[protocol.ErrorPayload](in.Payload)
				if err == nil {
					return nil, fmt.Errorf("%s: %s", p.Code, p.Message)
				}
			}
			consumed = append(consumed, in)
		}
	}
}

// Ack acknowledges a DELIVER, propagating its correlation id (if any) so
// a blocked sender unblocks. responseData rides back to the sender.
func (c *Client) Ack(delivered *protocol.Envelope, responseData any) error {
	ack := protocol.AckPayload{
		AckID:        delivered.ID,
		ResponseData: responseData,
	}
	if delivered.Delivery != nil {
		ack.Seq = delivered.Delivery.Seq
		ack.CumulativeSeq = delivered.Delivery.Seq
	}
	if corrID := delivered.CorrelationID(); corrID != "" {
		ack.CorrelationID = corrID
	}
	return c.SendEnvelope(protocol.NewWithPayload(protocol.KindAck, ack))
}

// Recv returns the next inbound envelope, blocking until one arrives,
// ctx is done, or the connection closes. Envelopes set aside during a
// blocking send come first.
func (c *Client) Recv(ctx context.Context) (*protocol.Envelope, error) {
	if env := c.popPending(); env != nil {
		return env, nil
	}
	select {
	case env := <-c.inbox:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		// Drain anything decoded before the close.
		select {
		case env := <-c.inbox:
			return env, nil
		default:
		}
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, net.ErrClosed
	}
}

// popPending returns the oldest envelope set aside by SendAndWaitAck.
func (c *Client) popPending() *protocol.Envelope {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	env := c.pending[0]
	c.pending = c.pending[1:]
	return env
}

// JoinChannel subscribes to a "#"-prefixed channel.
func (c *Client) JoinChannel(channel string) error {
	env := protocol.NewWithPayload(protocol.KindChannelJoin, protocol.ChannelPayload{Channel: channel})
	env.To = channel
	return c.SendEnvelope(env)
}

// LeaveChannel unsubscribes from a channel.
func (c *Client) LeaveChannel(channel string) error {
	env := protocol.NewWithPayload(protocol.KindChannelLeave, protocol.ChannelPayload{Channel: channel})
	env.To = channel
	return c.SendEnvelope(env)
}

// Subscribe adds this client to a topic's subscriber set.
func (c *Client) Subscribe(topic string) error {
	return c.SendEnvelope(protocol.NewWithPayload(protocol.KindSubscribe, protocol.TopicPayload{Topic: topic}))
}

// Unsubscribe removes this client from a topic's subscriber set.
func (c *Client) Unsubscribe(topic string) error {
	return c.SendEnvelope(protocol.NewWithPayload(protocol.KindUnsubscribe, protocol.TopicPayload{Topic: topic}))
}

// ShadowBind registers this client as a shadow of primary.
func (c *Client) ShadowBind(primary string, triggers []string) error {
	return c.SendEnvelope(protocol.NewWithPayload(protocol.KindShadowBind, protocol.ShadowBindPayload{
		Primary:  primary,
		Triggers: triggers,
	}))
}

// Spawn asks the daemon to launch a worker agent and waits for the result.
func (c *Client) Spawn(ctx context.Context, req protocol.SpawnPayload) (*protocol.SpawnResultPayload, error) {
	env := protocol.NewWithPayload(protocol.KindSpawn, req)
	if err := c.SendEnvelope(env); err != nil {
		return nil, err
	}
	for {
		in, err := c.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if in.Kind == protocol.KindSpawnResult && in.Meta != nil && in.Meta.ReplyTo == env.ID {
			return protocol.DecodePayload[protocol.SpawnResultPayload](in.Payload)
		}
	}
}

// shutdown records the terminal error and closes the session once.
func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.closeErr = err
		close(c.closed)
		_ = c.sock.Close()
	})
}

// Close sends BYE and tears the connection down.
func (c *Client) Close() error {
	_ = c.write(protocol.New(protocol.KindBye))
	c.shutdown(nil)
	return nil
}

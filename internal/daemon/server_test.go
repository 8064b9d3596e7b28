package daemon

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tessro/relay/internal/client"
	"github.com/tessro/relay/internal/paths"
	"github.com/tessro/relay/internal/protocol"
)

// startServer runs a daemon on a temp socket and tears it down with the test.
func startServer(t *testing.T, mutate func(*Config)) Config {
	t.Helper()
	dir, cleanup := shortTempDir(t)
	t.Setenv(paths.EnvRelayDir, dir)

	cfg := testConfig()
	cfg.SocketPath = filepath.Join(dir, "relay.sock")
	cfg.PIDPath = filepath.Join(dir, "relay.pid")
	cfg.OutboxEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg, &fakeLauncher{})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	waitFor(t, func() bool {
		c, err := client.Dial(client.Options{
			SocketPath:  cfg.SocketPath,
			Agent:       "probe",
			DialTimeout: 200 * time.Millisecond,
		})
		if err != nil {
			return false
		}
		c.Close()
		return true
	})

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop within 5s")
		}
		cleanup()
	})
	return cfg
}

func dialAs(t *testing.T, cfg Config, agent string) *client.Client {
	t.Helper()
	c, err := client.Dial(client.Options{
		SocketPath: cfg.SocketPath,
		Agent:      agent,
	})
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", agent, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// recvKind reads envelopes until one of the wanted kind arrives.
func recvKind(t *testing.T, c *client.Client, kind protocol.Kind) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		env, err := c.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv() waiting for %s: %v", kind, err)
		}
		if env.Kind == kind {
			return env
		}
	}
}

// mustNotRecv asserts no non-control envelope arrives within the window.
func mustNotRecv(t *testing.T, c *client.Client, window time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()
	env, err := c.Recv(ctx)
	if err == nil {
		t.Fatalf("unexpected envelope: %s", env.Kind)
	}
}

func TestServer_DirectSendDelivery(t *testing.T) {
	cfg := startServer(t, nil)
	alice := dialAs(t, cfg, "alice")
	bob := dialAs(t, cfg, "bob")

	msgID, err := alice.Send("bob", "hello bob")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	env := recvKind(t, bob, protocol.KindDeliver)
	if env.ID != msgID {
		t.Fatalf("deliver id = %s, want %s", env.ID, msgID)
	}
	if env.From != "alice" || env.To != "bob" {
		t.Fatalf("from/to = %s/%s, want alice/bob", env.From, env.To)
	}
	msg, err := protocol.DecodePayload[protocol.MessagePayload](env.Payload)
	if err != nil || msg.Body != "hello bob" {
		t.Fatalf("payload = %+v, err %v", msg, err)
	}
	if env.Delivery == nil || env.Delivery.Seq == 0 {
		t.Fatal("deliver must carry a positive sequence")
	}
}

func TestServer_SenderNameOverride(t *testing.T) {
	cfg := startServer(t, nil)
	alice := dialAs(t, cfg, "alice")
	bob := dialAs(t, cfg, "bob")

	// A forged from is replaced with the authenticated name.
	env := protocol.NewWithPayload(protocol.KindSend, protocol.MessagePayload{Body: "hi"})
	env.To = "bob"
	env.From = "mallory"
	if err := alice.SendEnvelope(env); err != nil {
		t.Fatalf("SendEnvelope() error = %v", err)
	}
	// SendEnvelope stamps the client name, but even a raw envelope is
	// restamped server-side; either way bob must see alice.
	got := recvKind(t, bob, protocol.KindDeliver)
	if got.From != "alice" {
		t.Fatalf("from = %q, want alice", got.From)
	}
}

func TestServer_UnknownRecipientNack(t *testing.T) {
	cfg := startServer(t, nil)
	alice := dialAs(t, cfg, "alice")

	msgID, err := alice.Send("ghost", "anyone")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	env := recvKind(t, alice, protocol.KindNack)
	nack, _ := protocol.DecodePayload[protocol.NackPayload](env.Payload)
	if nack.Code != protocol.CodeNotFound || nack.AckID != msgID {
		t.Fatalf("nack = %+v, want NOT_FOUND for %s", nack, msgID)
	}
}

func TestServer_BlockingSendAckRoundTrip(t *testing.T) {
	cfg := startServer(t, nil)
	alice := dialAs(t, cfg, "alice")
	bob := dialAs(t, cfg, "bob")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		env, err := bob.Recv(ctx)
		if err != nil || env.Kind != protocol.KindDeliver {
			return
		}
		_ = bob.Ack(env, map[string]any{"status": "done"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ack, err := alice.SendAndWaitAck(ctx, "bob", "finish the report", 3*time.Second)
	if err != nil {
		t.Fatalf("SendAndWaitAck() error = %v", err)
	}
	if !ack.Response {
		t.Fatal("ack must be marked as a response")
	}
	data, ok := ack.ResponseData.(map[string]any)
	if !ok || data["status"] != "done" {
		t.Fatalf("response data = %+v, want status done", ack.ResponseData)
	}
}

func TestServer_BlockingSendTimeout(t *testing.T) {
	cfg := startServer(t, nil)
	alice := dialAs(t, cfg, "alice")
	dialAs(t, cfg, "bob") // connected but never acks

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := alice.SendAndWaitAck(ctx, "bob", "please respond", 300*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "ACK timeout") {
		t.Fatalf("error = %v, want ACK timeout", err)
	}
}

func TestServer_Broadcast(t *testing.T) {
	cfg := startServer(t, nil)
	alice := dialAs(t, cfg, "alice")
	bob := dialAs(t, cfg, "bob")
	carol := dialAs(t, cfg, "carol")

	if _, err := alice.Send(protocol.Broadcast, "everyone"); err != nil {
		t.Fatalf("Send(*) error = %v", err)
	}

	for _, c := range []*client.Client{bob, carol} {
		env := recvKind(t, c, protocol.KindDeliver)
		if env.Delivery.OriginalTo != protocol.Broadcast {
			t.Fatalf("original_to = %q, want *", env.Delivery.OriginalTo)
		}
	}
	mustNotRecv(t, alice, 300*time.Millisecond)
}

func TestServer_ChannelFanOut(t *testing.T) {
	cfg := startServer(t, nil)
	alice := dialAs(t, cfg, "alice")
	bob := dialAs(t, cfg, "bob")
	carol := dialAs(t, cfg, "carol")

	for _, c := range []*client.Client{alice, bob, carol} {
		if err := c.JoinChannel("#dev"); err != nil {
			t.Fatalf("JoinChannel() error = %v", err)
		}
	}
	// Joins are processed in order per connection; a follow-up send
	// ordering guarantee only holds per sender, so give the daemon a
	// beat to process all three joins.
	time.Sleep(100 * time.Millisecond)

	if _, err := alice.Send("#dev", "standup time"); err != nil {
		t.Fatalf("Send(#dev) error = %v", err)
	}

	for _, c := range []*client.Client{bob, carol} {
		env := recvKind(t, c, protocol.KindDeliver)
		if env.Delivery.OriginalTo != "#dev" {
			t.Fatalf("original_to = %q, want #dev", env.Delivery.OriginalTo)
		}
	}
	mustNotRecv(t, alice, 300*time.Millisecond)
}

func TestServer_TopicPubSub(t *testing.T) {
	cfg := startServer(t, nil)
	alice := dialAs(t, cfg, "alice")
	bob := dialAs(t, cfg, "bob")

	if err := bob.Subscribe("builds"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := alice.Publish("builds", "build green"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	env := recvKind(t, bob, protocol.KindDeliver)
	if env.Topic != "builds" {
		t.Fatalf("topic = %q, want builds", env.Topic)
	}
}

func TestServer_ShadowCopies(t *testing.T) {
	cfg := startServer(t, nil)
	alice := dialAs(t, cfg, "alice")
	bob := dialAs(t, cfg, "bob")
	observer := dialAs(t, cfg, "observer")

	if err := observer.ShadowBind("bob", nil); err != nil {
		t.Fatalf("ShadowBind() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := alice.Send("bob", "primary message"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	recvKind(t, bob, protocol.KindDeliver)
	env := recvKind(t, observer, protocol.KindDeliver)
	if env.From != "alice" {
		t.Fatalf("shadow copy from = %q, want alice", env.From)
	}
}

func TestServer_DisplaceDuplicateName(t *testing.T) {
	cfg := startServer(t, nil)
	first := dialAs(t, cfg, "alice")
	second := dialAs(t, cfg, "alice")
	bob := dialAs(t, cfg, "bob")

	// The first session is superseded and closed with a fatal error.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		env, err := first.Recv(ctx)
		if err != nil {
			break // closed, also acceptable
		}
		if env.Kind == protocol.KindError {
			break
		}
	}

	// Traffic for alice now reaches the second session.
	if _, err := bob.Send("alice", "hello new alice"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	recvKind(t, second, protocol.KindDeliver)
}

func TestServer_RejectDuplicateName(t *testing.T) {
	cfg := startServer(t, func(c *Config) {
		c.DuplicatePolicy = PolicyReject
	})
	dialAs(t, cfg, "alice")

	_, err := client.Dial(client.Options{
		SocketPath: cfg.SocketPath,
		Agent:      "alice",
	})
	if err == nil {
		t.Fatal("second registration of a live name must be rejected")
	}
}

func TestServer_ResumeNotSupported(t *testing.T) {
	cfg := startServer(t, nil)
	alice := dialAs(t, cfg, "alice")

	if err := alice.SendEnvelope(protocol.New(protocol.KindResume)); err != nil {
		t.Fatalf("SendEnvelope() error = %v", err)
	}

	env := recvKind(t, alice, protocol.KindError)
	p, _ := protocol.DecodePayload[protocol.ErrorPayload](env.Payload)
	if p.Code != protocol.CodeResumeTooOld {
		t.Fatalf("code = %s, want RESUME_TOO_OLD", p.Code)
	}
}

func TestServer_UnexpectedKindRejected(t *testing.T) {
	cfg := startServer(t, nil)
	alice := dialAs(t, cfg, "alice")

	// DELIVER is daemon-to-client only.
	if err := alice.SendEnvelope(protocol.New(protocol.KindDeliver)); err != nil {
		t.Fatalf("SendEnvelope() error = %v", err)
	}

	env := recvKind(t, alice, protocol.KindError)
	p, _ := protocol.DecodePayload[protocol.ErrorPayload](env.Payload)
	if p.Code != protocol.CodeBadRequest {
		t.Fatalf("code = %s, want BAD_REQUEST", p.Code)
	}
}

func TestServer_MsgpackClient(t *testing.T) {
	cfg := startServer(t, nil)
	alice := dialAs(t, cfg, "alice")

	bob, err := client.Dial(client.Options{
		SocketPath: cfg.SocketPath,
		Agent:      "bob",
		Format:     protocol.FormatMsgpack,
	})
	if err != nil {
		t.Fatalf("msgpack Dial() error = %v", err)
	}
	defer bob.Close()

	// JSON sender to msgpack receiver and back.
	if _, err := alice.Send("bob", "mixed encodings"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	env := recvKind(t, bob, protocol.KindDeliver)
	msg, _ := protocol.DecodePayload[protocol.MessagePayload](env.Payload)
	if msg.Body != "mixed encodings" {
		t.Fatalf("body = %q, want mixed encodings", msg.Body)
	}

	if _, err := bob.Send("alice", "reply"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reply := recvKind(t, alice, protocol.KindDeliver)
	replyMsg, _ := protocol.DecodePayload[protocol.MessagePayload](reply.Payload)
	if replyMsg.Body != "reply" {
		t.Fatalf("body = %q, want reply", replyMsg.Body)
	}
}

func TestServer_LegacyFramedClient(t *testing.T) {
	cfg := startServer(t, func(c *Config) {
		c.LegacySocketPath = filepath.Join(filepath.Dir(c.SocketPath), "legacy.sock")
	})
	alice := dialAs(t, cfg, "alice")

	sock, err := net.Dial("unix", cfg.LegacySocketPath)
	if err != nil {
		t.Fatalf("dial legacy socket: %v", err)
	}
	defer sock.Close()

	dec := protocol.NewDecoder(protocol.DefaultMaxFrame)
	dec.SetLegacy(true)
	writeLegacy := func(env *protocol.Envelope) {
		t.Helper()
		frame, err := protocol.EncodeLegacyFrame(env)
		if err != nil {
			t.Fatalf("encode legacy frame: %v", err)
		}
		if _, err := sock.Write(frame); err != nil {
			t.Fatalf("write legacy frame: %v", err)
		}
	}
	readLegacy := func(kind protocol.Kind) *protocol.Envelope {
		t.Helper()
		buf := make([]byte, 32*1024)
		deadline := time.Now().Add(3 * time.Second)
		for {
			_ = sock.SetReadDeadline(deadline)
			n, err := sock.Read(buf)
			if err != nil {
				t.Fatalf("read waiting for %s: %v", kind, err)
			}
			envs, perr := dec.Push(buf[:n])
			if perr != nil {
				t.Fatalf("decode legacy frame: %v", perr)
			}
			for _, env := range envs {
				if env.Kind == protocol.KindPing {
					pong := protocol.New(protocol.KindPong)
					pong.Payload = env.Payload
					writeLegacy(pong)
					continue
				}
				if env.Kind == kind {
					return env
				}
			}
		}
	}

	writeLegacy(protocol.NewWithPayload(protocol.KindHello, protocol.HelloPayload{
		Agent: "old-client",
	}))
	welcome := readLegacy(protocol.KindWelcome)
	w, err := protocol.DecodePayload[protocol.WelcomePayload](welcome.Payload)
	if err != nil || w.SessionID == "" {
		t.Fatalf("welcome = %+v, err %v", w, err)
	}

	// Daemon to legacy client: answers arrive with a bare length prefix.
	if _, err := alice.Send("old-client", "4-byte frames still work"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	env := readLegacy(protocol.KindDeliver)
	msg, _ := protocol.DecodePayload[protocol.MessagePayload](env.Payload)
	if msg.Body != "4-byte frames still work" {
		t.Fatalf("body = %q", msg.Body)
	}

	// Legacy client to modern client.
	send := protocol.NewWithPayload(protocol.KindSend, protocol.MessagePayload{
		Kind: protocol.MessageKindMessage,
		Body: "hello from the past",
	})
	send.To = "alice"
	writeLegacy(send)
	got := recvKind(t, alice, protocol.KindDeliver)
	if got.From != "old-client" {
		t.Fatalf("from = %q, want old-client", got.From)
	}
	gotMsg, _ := protocol.DecodePayload[protocol.MessagePayload](got.Payload)
	if gotMsg.Body != "hello from the past" {
		t.Fatalf("body = %q", gotMsg.Body)
	}
}

func TestServer_PresenceAnnouncements(t *testing.T) {
	cfg := startServer(t, nil)
	watcher := dialAs(t, cfg, "watcher")
	if err := watcher.Subscribe("presence"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	waitPresence := func(event string) {
		t.Helper()
		for {
			env := recvKind(t, watcher, protocol.KindDeliver)
			msg, err := protocol.DecodePayload[protocol.MessagePayload](env.Payload)
			if err != nil {
				t.Fatalf("decode presence payload: %v", err)
			}
			if msg.Body != event || msg.Data["agent"] != "bob" {
				continue
			}
			if msg.Kind != protocol.MessageKindState {
				t.Fatalf("presence kind = %q, want state", msg.Kind)
			}
			if env.From != "relay" {
				t.Fatalf("presence from = %q, want relay", env.From)
			}
			return
		}
	}

	bob := dialAs(t, cfg, "bob")
	waitPresence("agent_ready")

	bob.Close()
	waitPresence("agent_gone")
}

func TestServer_BlockingSendKeepsConcurrentDeliveries(t *testing.T) {
	cfg := startServer(t, nil)
	alice := dialAs(t, cfg, "alice")
	bob := dialAs(t, cfg, "bob")
	carol := dialAs(t, cfg, "carol")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for {
			env, err := bob.Recv(ctx)
			if err != nil {
				return
			}
			if env.Kind == protocol.KindDeliver {
				_ = bob.Ack(env, nil)
				return
			}
		}
	}()

	// Land an unrelated delivery in alice's inbox before she blocks.
	if _, err := carol.Send("alice", "while you were out"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := alice.SendAndWaitAck(ctx, "bob", "blocking question", 3*time.Second); err != nil {
		t.Fatalf("SendAndWaitAck() error = %v", err)
	}

	// The delivery consumed while waiting must still reach the caller.
	env := recvKind(t, alice, protocol.KindDeliver)
	if env.From != "carol" {
		t.Fatalf("from = %q, want carol", env.From)
	}
	msg, _ := protocol.DecodePayload[protocol.MessagePayload](env.Payload)
	if msg.Body != "while you were out" {
		t.Fatalf("body = %q, want while you were out", msg.Body)
	}
}

func TestServer_SpawnViaProtocol(t *testing.T) {
	cfg := startServer(t, nil)
	lead := dialAs(t, cfg, "lead")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := lead.Spawn(ctx, protocol.SpawnPayload{
		Name: "worker-1",
		CLI:  "claude",
		Task: "write tests",
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if !res.Success || res.PID != 4242 {
		t.Fatalf("result = %+v, want success with fake pid", res)
	}
}

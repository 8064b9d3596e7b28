package daemon

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tessro/relay/internal/launcher"
	"github.com/tessro/relay/internal/logging"
	"github.com/tessro/relay/internal/paths"
	"github.com/tessro/relay/internal/protocol"
)

// Server is the relay daemon: it owns the unix (and optional TLS)
// listeners, the agent registry, the router, and the spawn manager, and
// wires accepted sockets into connection state machines.
type Server struct {
	cfg        Config
	auth       *AuthConfig
	registry   *Registry
	correlator *Correlator
	router     *Router
	spawner    *SpawnManager
	metrics    *Metrics
	outbox     *Outbox

	mu sync.Mutex
	// +checklocks:mu
	conns map[*Conn]struct{}
	// +checklocks:mu
	listeners []net.Listener

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewServer assembles a daemon from cfg. The launcher handles SPAWN
// process work; pass launcher.NewExecLauncher for real use or a fake in
// tests.
func NewServer(cfg Config, l launcher.Launcher) (*Server, error) {
	auth := &AuthConfig{}
	if authPath, err := paths.AuthConfigPath(); err == nil {
		loaded, err := LoadAuthConfig(authPath)
		if err != nil {
			return nil, err
		}
		auth = loaded
	}

	metrics := NewMetrics()
	registry := NewRegistry(cfg.DuplicatePolicy)
	correlator := NewCorrelator(cfg.AckTimeout)
	router := NewRouter(registry, correlator, metrics)
	spawner := NewSpawnManager(registry, l, cfg.SocketPath, cfg.DuplicatePolicy, metrics)

	s := &Server{
		cfg:        cfg,
		auth:       auth,
		registry:   registry,
		correlator: correlator,
		router:     router,
		spawner:    spawner,
		metrics:    metrics,
		conns:      make(map[*Conn]struct{}),
		stopped:    make(chan struct{}),
	}
	if cfg.OutboxEnabled && cfg.OutboxDir != "" {
		s.outbox = NewOutbox(cfg.OutboxDir, cfg.OutboxStaleTimeout, s.ingestOutbox)
	}
	metrics.RegisterQueueDepth(s.totalQueueDepth)
	registry.OnAgentReady(func(ev PresenceEvent) { s.announcePresence("agent_ready", ev) })
	registry.OnAgentGone(func(ev PresenceEvent) { s.announcePresence("agent_gone", ev) })
	return s, nil
}

// presenceTopic carries registry presence changes to subscribed agents.
const presenceTopic = "presence"

// daemonName is the from identity on daemon-originated deliveries.
const daemonName = "relay"

// announcePresence publishes an agent ready/gone notice on the presence
// topic. Subscribers track who is reachable without polling.
func (s *Server) announcePresence(event string, ev PresenceEvent) {
	env := protocol.NewWithPayload(protocol.KindSend, protocol.MessagePayload{
		Kind: protocol.MessageKindState,
		Body: event,
		Data: map[string]any{
			"agent":      ev.Agent,
			"session_id": ev.SessionID,
			"entity":     ev.Entity,
		},
	})
	env.Topic = presenceTopic
	s.router.PublishFrom(daemonName, env)
}

// totalQueueDepth sums the write-queue depth of every open connection.
func (s *Server) totalQueueDepth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for c := range s.conns {
		total += c.QueueDepth()
	}
	return float64(total)
}

// Registry exposes the agent registry, mainly for status reporting.
func (s *Server) Registry() *Registry { return s.registry }

// Run starts the listeners and blocks until ctx is cancelled or a
// listener fails. Shutdown is graceful: connections drain their write
// queues up to the configured grace period.
func (s *Server) Run(ctx context.Context) error {
	if err := WritePID(s.cfg.PIDPath); err != nil {
		return err
	}
	defer func() {
		if err := RemovePID(s.cfg.PIDPath); err != nil {
			slog.Warn("pidfile cleanup failed", "error", err)
		}
	}()

	unixLn, err := s.listenUnix(s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.addListener(unixLn)
	defer s.removeSockets()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(ctx, unixLn, false) })

	if s.cfg.LegacySocketPath != "" {
		legacyLn, err := s.listenUnix(s.cfg.LegacySocketPath)
		if err != nil {
			return err
		}
		s.addListener(legacyLn)
		g.Go(func() error { return s.acceptLoop(ctx, legacyLn, true) })
	}

	if s.cfg.TLSAddr != "" {
		tlsLn, err := s.listenTLS()
		if err != nil {
			return err
		}
		s.addListener(tlsLn)
		g.Go(func() error { return s.acceptLoop(ctx, tlsLn, false) })
	}

	if s.outbox != nil {
		g.Go(func() error {
			if err := s.outbox.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("outbox: %w", err)
			}
			return nil
		})
	}

	if s.cfg.MetricsAddr != "" {
		msrv := s.metrics.Server(s.cfg.MetricsAddr)
		g.Go(func() error {
			slog.Info("metrics listener", "addr", s.cfg.MetricsAddr)
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("metrics listener failed", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
			defer cancel()
			_ = msrv.Shutdown(shutdownCtx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.Stop()
		return nil
	})

	slog.Info("relay daemon listening",
		"socket", s.cfg.SocketPath, "policy", s.cfg.DuplicatePolicy,
		"max_frame", s.cfg.MaxFrameBytes)

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Stop closes the listeners and every open connection. Safe to call more
// than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		listeners := s.listeners
		s.listeners = nil
		conns := make([]*Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		for _, ln := range listeners {
			_ = ln.Close()
		}
		for _, c := range conns {
			c.enqueueControl(protocol.NewWithPayload(protocol.KindBye, protocol.ByePayload{
				Reason: "daemon shutting down",
			}))
			c.Close(nil)
		}
		for _, c := range conns {
			<-c.Done()
		}
		close(s.stopped)
		slog.Info("relay daemon stopped")
	})
}

// listenUnix binds a unix socket, clearing a stale socket file left by a
// crashed daemon. WritePID has already guaranteed no live daemon owns it.
func (s *Server) listenUnix(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		slog.Debug("removed stale socket", "path", path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// listenTLS binds the optional TCP listener for off-host clients.
// With a client CA configured, peers must present a certificate; the
// allowed-CN list further restricts which certificates may connect.
func (s *Server) listenTLS() (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}
	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	if s.cfg.TLSClientCA != "" {
		caPEM, err := os.ReadFile(s.cfg.TLSClientCA)
		if err != nil {
			return nil, fmt.Errorf("read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("client CA %s contains no certificates", s.cfg.TLSClientCA)
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.RequireAndVerifyClientCert
		if len(s.cfg.TLSAllowedCNs) > 0 {
			allowed := make(map[string]struct{}, len(s.cfg.TLSAllowedCNs))
			for _, cn := range s.cfg.TLSAllowedCNs {
				allowed[cn] = struct{}{}
			}
			tc.VerifyConnection = func(cs tls.ConnectionState) error {
				if len(cs.PeerCertificates) == 0 {
					return fmt.Errorf("no client certificate")
				}
				cn := cs.PeerCertificates[0].Subject.CommonName
				if _, ok := allowed[cn]; !ok {
					return fmt.Errorf("client CN %q not allowed", cn)
				}
				return nil
			}
		}
	}
	ln, err := tls.Listen("tcp", s.cfg.TLSAddr, tc)
	if err != nil {
		return nil, fmt.Errorf("listen TLS %s: %w", s.cfg.TLSAddr, err)
	}
	return ln, nil
}

func (s *Server) addListener(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) removeSockets() {
	for _, path := range []string{s.cfg.SocketPath, s.cfg.LegacySocketPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("socket cleanup failed", "path", path, "error", err)
		}
	}
}

// acceptLoop accepts sockets until the listener closes. Connections from
// the legacy listener speak the 4-byte JSON-only framing.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, legacy bool) error {
	defer logging.LogPanic("accept-loop", nil)
	for {
		sock, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.startConn(sock, legacy)
	}
}

// startConn wraps an accepted socket in a connection and launches it.
func (s *Server) startConn(sock net.Conn, legacy bool) {
	c := newConn(sock, s.cfg, ConnHooks{
		OnHello:    s.onHello,
		OnEnvelope: s.dispatch,
		OnClose:    s.onClose,
	})
	if legacy {
		c.SetLegacy(true)
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.Connections.Inc()
	c.Start()
}

// onHello authorizes and registers a HELLO-validated connection. Under
// the displace policy the prior holder of the name is closed with a
// fatal error; under the reject policy this connection is refused.
func (s *Server) onHello(c *Conn, hello *protocol.HelloPayload) error {
	if !s.auth.Open() {
		cred, err := peerCred(c.sock)
		if err == nil {
			if _, aerr := s.auth.Authorize(cred, hello.Agent); aerr != nil {
				return aerr
			}
		}
	}

	displaced, err := s.registry.Register(c)
	if err != nil {
		return err
	}
	if displaced != nil {
		displaced.abort(protocol.CodeUnauthorized, "session displaced by new connection", nil)
	}
	return nil
}

// dispatch routes one post-handshake envelope to its handler. Health
// traffic never reaches here; the connection absorbs it.
func (s *Server) dispatch(c *Conn, env *protocol.Envelope) {
	s.metrics.Envelopes.WithLabelValues(string(env.Kind)).Inc()

	// The authenticated identity always wins over the wire "from".
	env.From = c.Name()

	switch env.Kind {
	case protocol.KindSend:
		s.router.HandleSend(c, env)
	case protocol.KindAck:
		s.router.HandleAck(c, env)
	case protocol.KindNack:
		s.router.HandleNack(c, env)
	case protocol.KindChannelJoin:
		s.router.HandleChannelJoin(c, env)
	case protocol.KindChannelLeave:
		s.router.HandleChannelLeave(c, env)
	case protocol.KindChannelMessage:
		s.router.HandleChannelMessage(c, env)
	case protocol.KindChannelInfo:
		s.router.HandleChannelInfo(c, env)
	case protocol.KindChannelTyping:
		s.router.HandleChannelTyping(c, env)
	case protocol.KindSubscribe:
		s.router.HandleSubscribe(c, env)
	case protocol.KindUnsubscribe:
		s.router.HandleUnsubscribe(c, env)
	case protocol.KindShadowBind:
		s.router.HandleShadowBind(c, env)
	case protocol.KindShadowUnbind:
		s.router.HandleShadowUnbind(c, env)
	case protocol.KindSpawn:
		s.spawner.HandleSpawn(c, env)
	case protocol.KindRelease:
		s.spawner.HandleRelease(c, env)
	case protocol.KindLog:
		s.forwardLog(c, env)
	case protocol.KindResume, protocol.KindSyncSnapshot, protocol.KindSyncDelta:
		c.SendError(protocol.CodeResumeTooOld, "session resume not available")
	default:
		c.SendError(protocol.CodeBadRequest, fmt.Sprintf("unexpected kind %s", env.Kind))
	}
}

// forwardLog writes a client-submitted log line into the daemon log.
func (s *Server) forwardLog(c *Conn, env *protocol.Envelope) {
	p, err := protocol.DecodePayload[protocol.LogPayload](env.Payload)
	if err != nil {
		return
	}
	level := logging.ParseLevel(p.Level)
	attrs := []any{"agent", c.Name()}
	for k, v := range p.Fields {
		attrs = append(attrs, k, v)
	}
	slog.Log(context.Background(), level, p.Message, attrs...)
}

// onClose tears down all daemon state referring to a closed connection.
func (s *Server) onClose(c *Conn, err error) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.metrics.Connections.Dec()

	s.registry.Deregister(c)
	s.router.RemoveConn(c)
	s.correlator.CancelAll(c)
	s.spawner.ReleaseForParent(c)

	if err != nil {
		slog.Info("connection ended", "agent", c.Name(), "error", err)
	}
}

// ingestOutbox routes an envelope synthesized from an outbox drop file.
// There is no source connection, so routing failures are logged rather
// than NACKed.
func (s *Server) ingestOutbox(from string, env *protocol.Envelope) {
	s.metrics.Envelopes.WithLabelValues(string(env.Kind)).Inc()
	switch env.Kind {
	case protocol.KindSend:
		s.routeExternalSend(from, env)
	case protocol.KindSpawn:
		req, err := protocol.DecodePayload[protocol.SpawnPayload](env.Payload)
		if err != nil {
			return
		}
		s.spawner.SpawnExternal(from, req)
	case protocol.KindRelease:
		req, err := protocol.DecodePayload[protocol.ReleasePayload](env.Payload)
		if err != nil {
			return
		}
		s.spawner.ReleaseExternal(req.Name)
	}
}

// routeExternalSend is the connection-less subset of SEND routing used
// by the outbox: direct, broadcast, channel, and topic fan-out, without
// blocking-send tracking or shadow copies.
func (s *Server) routeExternalSend(from string, env *protocol.Envelope) {
	if env.Topic != "" {
		s.router.PublishFrom(from, env)
	}

	switch {
	case env.To == "":
	case env.To == protocol.Broadcast:
		for _, recipient := range s.registry.ListActive() {
			if recipient.Name() == from {
				continue
			}
			if err := s.router.deliver(from, recipient, env, protocol.Broadcast); err != nil {
				slog.Warn("outbox broadcast delivery failed", "to", recipient.Name(), "error", err)
			}
		}
	case strings.HasPrefix(env.To, protocol.ChannelPrefix):
		for _, member := range s.router.channelSnapshot(env.To) {
			if member.Name() == from {
				continue
			}
			if err := s.router.deliver(from, member, env, env.To); err != nil {
				slog.Warn("outbox channel delivery failed", "channel", env.To, "to", member.Name(), "error", err)
			}
		}
	default:
		recipient, ok := s.registry.Lookup(env.To)
		if !ok {
			slog.Warn("outbox send to unknown agent", "from", from, "to", env.To)
			return
		}
		if err := s.router.deliver(from, recipient, env, env.To); err != nil {
			slog.Warn("outbox delivery failed", "from", from, "to", env.To, "error", err)
		}
	}
}

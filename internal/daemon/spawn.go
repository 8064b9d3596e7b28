package daemon

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tessro/relay/internal/launcher"
	"github.com/tessro/relay/internal/protocol"
)

// spawnedAgent records one worker brokered through the spawn manager.
type spawnedAgent struct {
	parent    *Conn
	pid       int
	spawnedAt time.Time
	team      string
	shadowOf  string
}

// SpawnManager brokers SPAWN and RELEASE requests from agent clients. It
// validates requests, delegates process work to the injected launcher,
// and keeps the spawned-agent table. The spawned worker is expected to
// connect back as an ordinary client; the manager does not wait for that
// connection before reporting SPAWN_RESULT.
type SpawnManager struct {
	registry   *Registry
	launcher   launcher.Launcher
	socketPath string
	policy     string
	metrics    *Metrics

	mu sync.Mutex
	// +checklocks:mu
	spawned map[string]*spawnedAgent
}

// NewSpawnManager creates a spawn manager delegating to l.
func NewSpawnManager(registry *Registry, l launcher.Launcher, socketPath, policy string, metrics *Metrics) *SpawnManager {
	return &SpawnManager{
		registry:   registry,
		launcher:   l,
		socketPath: socketPath,
		policy:     policy,
		metrics:    metrics,
		spawned:    make(map[string]*spawnedAgent),
	}
}

// HandleSpawn validates and executes a SPAWN request. The launcher call
// runs on its own goroutine so a slow exec never stalls the requesting
// connection's reader.
func (sm *SpawnManager) HandleSpawn(c *Conn, env *protocol.Envelope) {
	req, err := protocol.DecodePayload[protocol.SpawnPayload](env.Payload)
	if err != nil {
		sm.sendSpawnResult(c, env.ID, protocol.SpawnResultPayload{
			Name: "", Error: "invalid SPAWN payload",
		})
		return
	}

	if verr := sm.validateSpawn(req); verr != nil {
		sm.sendSpawnResult(c, env.ID, protocol.SpawnResultPayload{
			Name:           req.Name,
			Error:          verr.Error(),
			PolicyDecision: "rejected",
		})
		return
	}

	go func() {
		res := sm.launcher.Launch(launcher.Spec{
			Name:       req.Name,
			CLI:        req.CLI,
			Task:       req.Task,
			Cwd:        req.Cwd,
			Team:       req.Team,
			Model:      req.Model,
			SocketPath: sm.socketPath,
			ParentName: c.Name(),
		})
		if !res.Success {
			sm.sendSpawnResult(c, env.ID, protocol.SpawnResultPayload{
				Name:  req.Name,
				Error: res.Error,
			})
			return
		}

		sm.mu.Lock()
		sm.spawned[req.Name] = &spawnedAgent{
			parent:    c,
			pid:       res.PID,
			spawnedAt: time.Now(),
			team:      req.Team,
			shadowOf:  req.ShadowOf,
		}
		sm.mu.Unlock()

		if sm.metrics != nil {
			sm.metrics.Spawns.Inc()
		}
		sm.sendSpawnResult(c, env.ID, protocol.SpawnResultPayload{
			Success: true,
			Name:    req.Name,
			PID:     res.PID,
		})
	}()
}

// validateSpawn checks a SPAWN request against current state.
func (sm *SpawnManager) validateSpawn(req *protocol.SpawnPayload) error {
	if req.Name == "" {
		return fmt.Errorf("spawn request missing name")
	}
	if req.CLI == "" {
		return fmt.Errorf("spawn request missing cli")
	}
	if known, ok := sm.launcher.(interface{ Known(string) bool }); ok && !known.Known(req.CLI) {
		return fmt.Errorf("unknown cli %q", req.CLI)
	}
	if _, live := sm.registry.Lookup(req.Name); live && sm.policy == PolicyReject {
		return fmt.Errorf("agent %q already connected", req.Name)
	}
	if req.ShadowOf != "" {
		if _, ok := sm.registry.Lookup(req.ShadowOf); !ok {
			return fmt.Errorf("shadow primary %q not connected", req.ShadowOf)
		}
	}
	return nil
}

// SpawnExternal launches a worker for a requester with no connection,
// such as an outbox drop file. Results are logged instead of replied.
func (sm *SpawnManager) SpawnExternal(from string, req *protocol.SpawnPayload) {
	if err := sm.validateSpawn(req); err != nil {
		slog.Warn("external spawn rejected", "from", from, "name", req.Name, "error", err)
		return
	}
	go func() {
		res := sm.launcher.Launch(launcher.Spec{
			Name:       req.Name,
			CLI:        req.CLI,
			Task:       req.Task,
			Cwd:        req.Cwd,
			Team:       req.Team,
			Model:      req.Model,
			SocketPath: sm.socketPath,
			ParentName: from,
		})
		if !res.Success {
			slog.Warn("external spawn failed", "from", from, "name", req.Name, "error", res.Error)
			return
		}
		sm.mu.Lock()
		sm.spawned[req.Name] = &spawnedAgent{
			pid:       res.PID,
			spawnedAt: time.Now(),
			team:      req.Team,
			shadowOf:  req.ShadowOf,
		}
		sm.mu.Unlock()
		if sm.metrics != nil {
			sm.metrics.Spawns.Inc()
		}
		slog.Info("external spawn succeeded", "from", from, "name", req.Name, "pid", res.PID)
	}()
}

// ReleaseExternal stops a spawned worker on behalf of a connection-less
// requester.
func (sm *SpawnManager) ReleaseExternal(name string) {
	sm.mu.Lock()
	_, tracked := sm.spawned[name]
	sm.mu.Unlock()
	if !tracked {
		slog.Warn("external release of unknown agent", "name", name)
		return
	}
	go func() {
		res := sm.launcher.Stop(name)
		if res.Success {
			sm.mu.Lock()
			delete(sm.spawned, name)
			sm.mu.Unlock()
			slog.Info("external release succeeded", "name", name)
			return
		}
		slog.Warn("external release failed", "name", name, "error", res.Error)
	}()
}

// HandleRelease stops a spawned worker and removes its table entry.
func (sm *SpawnManager) HandleRelease(c *Conn, env *protocol.Envelope) {
	req, err := protocol.DecodePayload[protocol.ReleasePayload](env.Payload)
	if err != nil || req.Name == "" {
		sm.sendReleaseResult(c, env.ID, protocol.ReleaseResultPayload{
			Error: "invalid RELEASE payload",
		})
		return
	}

	sm.mu.Lock()
	_, tracked := sm.spawned[req.Name]
	sm.mu.Unlock()
	if !tracked {
		sm.sendReleaseResult(c, env.ID, protocol.ReleaseResultPayload{
			Name:  req.Name,
			Error: fmt.Sprintf("no spawned agent named %q", req.Name),
		})
		return
	}

	go func() {
		res := sm.launcher.Stop(req.Name)
		if res.Success {
			sm.mu.Lock()
			delete(sm.spawned, req.Name)
			sm.mu.Unlock()
		}
		sm.sendReleaseResult(c, env.ID, protocol.ReleaseResultPayload{
			Success: res.Success,
			Name:    req.Name,
			Error:   res.Error,
		})
	}()
}

// ReleaseForParent best-effort releases every worker spawned by a
// disconnecting connection. Failures are logged, never propagated.
func (sm *SpawnManager) ReleaseForParent(c *Conn) {
	sm.mu.Lock()
	var orphaned []string
	for name, entry := range sm.spawned {
		if entry.parent == c {
			orphaned = append(orphaned, name)
			delete(sm.spawned, name)
		}
	}
	sm.mu.Unlock()

	for _, name := range orphaned {
		res := sm.launcher.Stop(name)
		if !res.Success {
			slog.Warn("release on parent disconnect failed",
				"agent", name, "parent", c.Name(), "error", res.Error)
			continue
		}
		slog.Info("released spawned agent on parent disconnect",
			"agent", name, "parent", c.Name())
	}
}

// SpawnedCount returns the number of tracked spawned agents.
func (sm *SpawnManager) SpawnedCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.spawned)
}

func (sm *SpawnManager) sendSpawnResult(c *Conn, replyTo string, payload protocol.SpawnResultPayload) {
	env := protocol.NewWithPayload(protocol.KindSpawnResult, payload)
	env.Meta = &protocol.Meta{ReplyTo: replyTo}
	if err := c.Enqueue(env); err != nil {
		slog.Debug("spawn result enqueue failed", "to", c.Name(), "error", err)
	}
}

func (sm *SpawnManager) sendReleaseResult(c *Conn, replyTo string, payload protocol.ReleaseResultPayload) {
	env := protocol.NewWithPayload(protocol.KindReleaseResult, payload)
	env.Meta = &protocol.Meta{ReplyTo: replyTo}
	if err := c.Enqueue(env); err != nil {
		slog.Debug("release result enqueue failed", "to", c.Name(), "error", err)
	}
}

package daemon

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tessro/relay/internal/event"
)

// PresenceEvent announces an agent becoming reachable or going away.
type PresenceEvent struct {
	Agent     string
	SessionID string
	Entity    string
}

// Registry is the authoritative live mapping of agent name to connection.
// It owns no connection lifecycle; connections register after a valid
// HELLO and deregister on close.
type Registry struct {
	policy string

	mu sync.Mutex
	// +checklocks:mu
	byName map[string]*Conn

	ready event.Emitter[PresenceEvent]
	gone  event.Emitter[PresenceEvent]
}

// NewRegistry creates a registry with the given duplicate-name policy
// (PolicyDisplace or PolicyReject).
func NewRegistry(policy string) *Registry {
	if policy == "" {
		policy = PolicyDisplace
	}
	return &Registry{
		policy: policy,
		byName: make(map[string]*Conn),
	}
}

// Register inserts a HELLO-validated connection under its agent name.
// Under the displace policy an existing holder is returned so the caller
// can close it with a supersession error; under the reject policy
// ErrNameTaken is returned and the table is unchanged.
func (r *Registry) Register(c *Conn) (displaced *Conn, err error) {
	name := c.Name()
	if name == "" {
		return nil, fmt.Errorf("connection %s has no agent name", c.ID())
	}

	r.mu.Lock()
	prior, exists := r.byName[name]
	if exists && prior != c {
		if r.policy == PolicyReject {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
		displaced = prior
	}
	r.byName[name] = c
	r.mu.Unlock()

	if displaced != nil {
		slog.Info("agent displaced", "agent", name, "old_session", displaced.SessionID(), "new_session", c.SessionID())
	}

	entity := ""
	if h := c.Hello(); h != nil {
		entity = h.Entity
	}
	r.ready.Emit(PresenceEvent{Agent: name, SessionID: c.SessionID(), Entity: entity})
	return displaced, nil
}

// Deregister removes the connection from the table, but only if it is
// still the current holder of its name. A displaced connection closing
// late must not evict its successor.
func (r *Registry) Deregister(c *Conn) {
	name := c.Name()
	if name == "" {
		return
	}

	r.mu.Lock()
	current, ok := r.byName[name]
	removed := ok && current == c
	if removed {
		delete(r.byName, name)
	}
	r.mu.Unlock()

	if removed {
		r.gone.Emit(PresenceEvent{Agent: name, SessionID: c.SessionID()})
	}
}

// Lookup returns the live connection for an agent name. Connections that
// left ACTIVE are treated as absent so fan-out naturally skips them.
func (r *Registry) Lookup(name string) (*Conn, bool) {
	r.mu.Lock()
	c, ok := r.byName[name]
	r.mu.Unlock()
	if !ok || c.State() != StateActive {
		return nil, false
	}
	return c, true
}

// ListActive returns a snapshot of the live connections.
func (r *Registry) ListActive() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Conn, 0, len(r.byName))
	for _, c := range r.byName {
		if c.State() == StateActive {
			conns = append(conns, c)
		}
	}
	return conns
}

// Names returns a sorted snapshot of registered agent names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnAgentReady registers a presence handler; returns a removal func.
func (r *Registry) OnAgentReady(h func(PresenceEvent)) func() {
	return r.ready.OnEvent(h)
}

// OnAgentGone registers a departure handler; returns a removal func.
func (r *Registry) OnAgentGone(h func(PresenceEvent)) func() {
	return r.gone.OnEvent(h)
}

package daemon

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tessro/relay/internal/protocol"
)

// Router fans envelopes out to their recipients: direct sends, broadcast,
// channels, pub/sub topics, and shadow copies. Membership tables are
// guarded by a single mutex held only for map mutation and snapshotting;
// deliveries run on snapshots so enqueues proceed lock-free.
type Router struct {
	registry   *Registry
	correlator *Correlator
	metrics    *Metrics

	mu sync.Mutex
	// +checklocks:mu
	channels map[string]map[*Conn]struct{}
	// +checklocks:mu
	topics map[string]map[*Conn]struct{}
	// +checklocks:mu
	shadows map[string][]*shadowBinding // primary agent name -> bindings
}

// shadowBinding ties a shadow connection to a primary agent.
type shadowBinding struct {
	conn            *Conn
	triggers        map[string]struct{}
	receiveIncoming bool
	receiveOutgoing bool
}

// matches reports whether env should be copied to this shadow.
// An empty trigger set and ALL_MESSAGES both match everything; otherwise
// the message payload must carry a matching "trigger" hint in its data.
func (b *shadowBinding) matches(env *protocol.Envelope) bool {
	if len(b.triggers) == 0 {
		return true
	}
	if _, ok := b.triggers[protocol.TriggerAllMessages]; ok {
		return true
	}
	msg, err := protocol.DecodePayload[protocol.MessagePayload](env.Payload)
	if err != nil || msg.Data == nil {
		return false
	}
	hint, _ := msg.Data["trigger"].(string)
	_, ok := b.triggers[hint]
	return ok
}

// NewRouter creates a router over the given registry and correlator.
func NewRouter(registry *Registry, correlator *Correlator, metrics *Metrics) *Router {
	return &Router{
		registry:   registry,
		correlator: correlator,
		metrics:    metrics,
		channels:   make(map[string]map[*Conn]struct{}),
		topics:     make(map[string]map[*Conn]struct{}),
		shadows:    make(map[string][]*shadowBinding),
	}
}

// HandleSend routes a SEND from an active connection: direct, broadcast,
// or channel depending on the "to" field, plus topic fan-out when a topic
// is set. Channels and topics are disjoint dispatch paths; an envelope
// naming both reaches both audiences.
func (rt *Router) HandleSend(c *Conn, env *protocol.Envelope) {
	if env.Topic != "" {
		rt.publishTopic(c, env)
	}

	switch {
	case env.To == "":
		if env.Topic == "" {
			c.SendError(protocol.CodeBadRequest, "SEND without to or topic")
		}
	case env.To == protocol.Broadcast:
		rt.broadcast(c, env)
	case strings.HasPrefix(env.To, protocol.ChannelPrefix):
		rt.fanOutChannel(c, env)
	default:
		rt.sendDirect(c, env)
	}
}

// sendDirect delivers to a single named agent.
func (rt *Router) sendDirect(c *Conn, env *protocol.Envelope) {
	recipient, ok := rt.registry.Lookup(env.To)
	if !ok {
		rt.nack(c, env.ID, protocol.CodeNotFound, "no agent named "+env.To)
		return
	}

	// A blocking send is tracked before delivery so the reply window
	// opens no later than the recipient can answer.
	tracked := false
	if env.Blocking() && env.CorrelationID() != "" {
		rt.correlator.Track(c, env)
		tracked = true
	}

	if err := rt.deliver(c.Name(), recipient, env, env.To); err != nil {
		if tracked {
			rt.correlator.Cancel(env.CorrelationID())
		}
		switch err {
		case ErrConnClosed:
			// Deregistered between lookup and enqueue.
			rt.nack(c, env.ID, protocol.CodeNotFound, "agent disconnected")
		default:
			rt.nack(c, env.ID, protocol.CodeBusy, "busy")
		}
		return
	}
	rt.shadowFanOut(c, env, c.Name(), []string{env.To})
}

// broadcast delivers to every active agent except the sender. Individual
// enqueue failures are logged; the sender is NACKed only if every enqueue
// fails.
func (rt *Router) broadcast(c *Conn, env *protocol.Envelope) {
	recipients := rt.registry.ListActive()
	attempted, failed := 0, 0
	for _, recipient := range recipients {
		if recipient == c {
			continue
		}
		attempted++
		if err := rt.deliver(c.Name(), recipient, env, protocol.Broadcast); err != nil {
			failed++
			slog.Warn("broadcast delivery failed",
				"from", c.Name(), "to", recipient.Name(), "error", err)
		}
	}
	if attempted > 0 && failed == attempted {
		rt.nack(c, env.ID, protocol.CodeBusy, "all recipients busy")
	}
}

// deliver builds and enqueues a DELIVER envelope for one recipient.
// The authenticated sender name always overrides the wire "from".
func (rt *Router) deliver(senderName string, recipient *Conn, env *protocol.Envelope, originalTo string) error {
	out := &protocol.Envelope{
		V:       protocol.ProtocolVersion,
		Kind:    protocol.KindDeliver,
		ID:      env.ID,
		TS:      env.TS,
		From:    senderName,
		To:      recipient.Name(),
		Topic:   env.Topic,
		Payload: env.Payload,
		Meta:    env.Meta,
		Delivery: &protocol.Delivery{
			Seq:       recipient.NextSeq(),
			SessionID: recipient.SessionID(),
		},
	}
	if originalTo != recipient.Name() {
		out.Delivery.OriginalTo = originalTo
	}
	if err := recipient.Enqueue(out); err != nil {
		return err
	}
	if rt.metrics != nil {
		rt.metrics.Delivered.Inc()
	}
	return nil
}

// nack reports a soft routing failure for one envelope back to its sender.
func (rt *Router) nack(c *Conn, ackID, code, reason string) {
	env := protocol.NewWithPayload(protocol.KindNack, protocol.NackPayload{
		AckID:  ackID,
		Code:   code,
		Reason: reason,
	})
	if err := c.Enqueue(env); err != nil {
		slog.Debug("nack enqueue failed", "to", c.Name(), "error", err)
	}
	if rt.metrics != nil {
		rt.metrics.Nacks.WithLabelValues(code).Inc()
	}
}

// channelName extracts the channel from the payload or the "to" field.
func channelName(env *protocol.Envelope) string {
	if p, err := protocol.DecodePayload[protocol.ChannelPayload](env.Payload); err == nil && p.Channel != "" {
		return p.Channel
	}
	return env.To
}

// HandleChannelJoin subscribes the connection to a channel. Idempotent.
func (rt *Router) HandleChannelJoin(c *Conn, env *protocol.Envelope) {
	channel := channelName(env)
	if !strings.HasPrefix(channel, protocol.ChannelPrefix) {
		c.SendError(protocol.CodeBadRequest, "channel name must start with #")
		return
	}
	rt.mu.Lock()
	members, ok := rt.channels[channel]
	if !ok {
		members = make(map[*Conn]struct{})
		rt.channels[channel] = members
	}
	members[c] = struct{}{}
	rt.mu.Unlock()
	slog.Debug("channel join", "channel", channel, "agent", c.Name())
}

// HandleChannelLeave unsubscribes the connection from a channel.
func (rt *Router) HandleChannelLeave(c *Conn, env *protocol.Envelope) {
	channel := channelName(env)
	if !strings.HasPrefix(channel, protocol.ChannelPrefix) {
		c.SendError(protocol.CodeBadRequest, "channel name must start with #")
		return
	}
	rt.mu.Lock()
	if members, ok := rt.channels[channel]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(rt.channels, channel)
		}
	}
	rt.mu.Unlock()
	slog.Debug("channel leave", "channel", channel, "agent", c.Name())
}

// HandleChannelInfo answers with the channel's current member names.
func (rt *Router) HandleChannelInfo(c *Conn, env *protocol.Envelope) {
	channel := channelName(env)
	if !strings.HasPrefix(channel, protocol.ChannelPrefix) {
		c.SendError(protocol.CodeBadRequest, "channel name must start with #")
		return
	}

	var names []string
	rt.mu.Lock()
	for member := range rt.channels[channel] {
		names = append(names, member.Name())
	}
	rt.mu.Unlock()
	sort.Strings(names)

	reply := protocol.NewWithPayload(protocol.KindChannelMembers, protocol.ChannelMembersPayload{
		Channel: channel,
		Members: names,
	})
	reply.Meta = &protocol.Meta{ReplyTo: env.ID}
	if err := c.Enqueue(reply); err != nil {
		slog.Debug("channel info reply failed", "to", c.Name(), "error", err)
	}
}

// HandleChannelMessage fans a message out to every channel member except
// the sender.
func (rt *Router) HandleChannelMessage(c *Conn, env *protocol.Envelope) {
	rt.fanOutChannel(c, env)
}

// fanOutChannel delivers env to all members of the channel in env.To,
// excluding the sender. Per-recipient failures are logged, never NACKed.
func (rt *Router) fanOutChannel(c *Conn, env *protocol.Envelope) {
	channel := env.To
	if !strings.HasPrefix(channel, protocol.ChannelPrefix) {
		c.SendError(protocol.CodeBadRequest, "channel name must start with #")
		return
	}

	members := rt.channelSnapshot(channel)
	delivered := make([]string, 0, len(members))
	for _, member := range members {
		if member == c {
			continue
		}
		if err := rt.deliver(c.Name(), member, env, channel); err != nil {
			slog.Warn("channel delivery failed",
				"channel", channel, "from", c.Name(), "to", member.Name(), "error", err)
			continue
		}
		delivered = append(delivered, member.Name())
	}
	rt.shadowFanOut(c, env, c.Name(), delivered)
}

// HandleChannelTyping relays a typing indicator to channel members.
// Typing traffic is ephemeral: no delivery info, no shadow copies.
func (rt *Router) HandleChannelTyping(c *Conn, env *protocol.Envelope) {
	p, err := protocol.DecodePayload[protocol.ChannelTypingPayload](env.Payload)
	if err != nil {
		return
	}
	channel := p.Channel
	if channel == "" {
		channel = env.To
	}
	if !strings.HasPrefix(channel, protocol.ChannelPrefix) {
		return
	}
	for _, member := range rt.channelSnapshot(channel) {
		if member == c {
			continue
		}
		out := protocol.NewWithPayload(protocol.KindChannelTyping, protocol.ChannelTypingPayload{
			Channel: channel,
			Typing:  p.Typing,
		})
		out.From = c.Name()
		out.To = member.Name()
		if err := member.Enqueue(out); err != nil {
			slog.Debug("typing relay failed", "to", member.Name(), "error", err)
		}
	}
}

func (rt *Router) channelSnapshot(channel string) []*Conn {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	members := make([]*Conn, 0, len(rt.channels[channel]))
	for member := range rt.channels[channel] {
		members = append(members, member)
	}
	return members
}

// topicName extracts the topic from the payload or the envelope field.
func topicName(env *protocol.Envelope) string {
	if p, err := protocol.DecodePayload[protocol.TopicPayload](env.Payload); err == nil && p.Topic != "" {
		return p.Topic
	}
	return env.Topic
}

// HandleSubscribe adds the connection to a topic's subscriber set.
// Topics are free-form strings; no prefix constraint applies.
func (rt *Router) HandleSubscribe(c *Conn, env *protocol.Envelope) {
	topic := topicName(env)
	if topic == "" {
		c.SendError(protocol.CodeBadRequest, "SUBSCRIBE without topic")
		return
	}
	rt.mu.Lock()
	subs, ok := rt.topics[topic]
	if !ok {
		subs = make(map[*Conn]struct{})
		rt.topics[topic] = subs
	}
	subs[c] = struct{}{}
	rt.mu.Unlock()
	slog.Debug("topic subscribe", "topic", topic, "agent", c.Name())
}

// HandleUnsubscribe removes the connection from a topic's subscriber set.
func (rt *Router) HandleUnsubscribe(c *Conn, env *protocol.Envelope) {
	topic := topicName(env)
	if topic == "" {
		c.SendError(protocol.CodeBadRequest, "UNSUBSCRIBE without topic")
		return
	}
	rt.mu.Lock()
	if subs, ok := rt.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(rt.topics, topic)
		}
	}
	rt.mu.Unlock()
}

// publishTopic fans env out to every subscriber of its topic except the
// sender.
func (rt *Router) publishTopic(c *Conn, env *protocol.Envelope) {
	rt.mu.Lock()
	subs := make([]*Conn, 0, len(rt.topics[env.Topic]))
	for sub := range rt.topics[env.Topic] {
		subs = append(subs, sub)
	}
	rt.mu.Unlock()

	for _, sub := range subs {
		if sub == c {
			continue
		}
		if err := rt.deliver(c.Name(), sub, env, env.To); err != nil {
			slog.Warn("topic delivery failed",
				"topic", env.Topic, "from", c.Name(), "to", sub.Name(), "error", err)
		}
	}
}

// PublishFrom fans env out to its topic's subscribers on behalf of a
// named sender with no connection: daemon presence announcements and
// outbox ingress. A subscriber carrying the sender name is skipped.
func (rt *Router) PublishFrom(from string, env *protocol.Envelope) {
	rt.mu.Lock()
	subs := make([]*Conn, 0, len(rt.topics[env.Topic]))
	for sub := range rt.topics[env.Topic] {
		subs = append(subs, sub)
	}
	rt.mu.Unlock()

	for _, sub := range subs {
		if sub.Name() == from {
			continue
		}
		if err := rt.deliver(from, sub, env, env.To); err != nil {
			slog.Warn("topic delivery failed",
				"topic", env.Topic, "from", from, "to", sub.Name(), "error", err)
		}
	}
}

// HandleShadowBind binds the sending connection as a shadow of a primary
// agent. Rebinding the same primary replaces the prior binding.
func (rt *Router) HandleShadowBind(c *Conn, env *protocol.Envelope) {
	p, err := protocol.DecodePayload[protocol.ShadowBindPayload](env.Payload)
	if err != nil || p.Primary == "" {
		c.SendError(protocol.CodeBadRequest, "SHADOW_BIND missing primary")
		return
	}

	binding := &shadowBinding{
		conn:            c,
		triggers:        make(map[string]struct{}, len(p.Triggers)),
		receiveIncoming: p.ReceiveIncoming == nil || *p.ReceiveIncoming,
		receiveOutgoing: p.ReceiveOutgoing == nil || *p.ReceiveOutgoing,
	}
	for _, t := range p.Triggers {
		binding.triggers[t] = struct{}{}
	}

	rt.mu.Lock()
	bindings := rt.shadows[p.Primary]
	replaced := false
	for i, b := range bindings {
		if b.conn == c {
			bindings[i] = binding
			replaced = true
			break
		}
	}
	if !replaced {
		bindings = append(bindings, binding)
	}
	rt.shadows[p.Primary] = bindings
	rt.mu.Unlock()

	slog.Info("shadow bound", "primary", p.Primary, "shadow", c.Name(),
		"incoming", binding.receiveIncoming, "outgoing", binding.receiveOutgoing)
}

// HandleShadowUnbind removes the sender's shadow binding on a primary.
func (rt *Router) HandleShadowUnbind(c *Conn, env *protocol.Envelope) {
	p, err := protocol.DecodePayload[protocol.ShadowUnbindPayload](env.Payload)
	if err != nil || p.Primary == "" {
		c.SendError(protocol.CodeBadRequest, "SHADOW_UNBIND missing primary")
		return
	}
	rt.mu.Lock()
	rt.removeShadowLocked(p.Primary, c)
	rt.mu.Unlock()
}

// +checklocks:rt.mu
func (rt *Router) removeShadowLocked(primary string, c *Conn) {
	bindings := rt.shadows[primary]
	for i, b := range bindings {
		if b.conn == c {
			rt.shadows[primary] = append(bindings[:i], bindings[i+1:]...)
			break
		}
	}
	if len(rt.shadows[primary]) == 0 {
		delete(rt.shadows, primary)
	}
}

// shadowFanOut enqueues copies of a delivery to the shadows of the sender
// (receive_outgoing) and of each recipient (receive_incoming). Copies are
// deduplicated per shadow connection and never themselves fan out, so a
// shadow copy cannot trigger further shadow copies.
func (rt *Router) shadowFanOut(sender *Conn, env *protocol.Envelope, senderName string, recipients []string) {
	type copyTarget struct {
		binding *shadowBinding
		primary string
	}

	rt.mu.Lock()
	seen := make(map[*Conn]struct{})
	var targets []copyTarget
	for _, b := range rt.shadows[senderName] {
		if b.receiveOutgoing {
			if _, dup := seen[b.conn]; !dup {
				seen[b.conn] = struct{}{}
				targets = append(targets, copyTarget{b, senderName})
			}
		}
	}
	for _, recipient := range recipients {
		for _, b := range rt.shadows[recipient] {
			if b.receiveIncoming {
				if _, dup := seen[b.conn]; !dup {
					seen[b.conn] = struct{}{}
					targets = append(targets, copyTarget{b, recipient})
				}
			}
		}
	}
	rt.mu.Unlock()

	for _, t := range targets {
		if t.binding.conn == sender || !t.binding.matches(env) {
			continue
		}
		if err := rt.deliver(senderName, t.binding.conn, env, env.To); err != nil {
			slog.Debug("shadow delivery failed",
				"primary", t.primary, "shadow", t.binding.conn.Name(), "error", err)
		}
	}
}

// HandleAck records delivery state on the acking connection and forwards
// the ACK to the correlator for blocking-send matching. Uncorrelated ACKs
// are not forwarded anywhere.
func (rt *Router) HandleAck(c *Conn, env *protocol.Envelope) {
	ack, err := protocol.DecodePayload[protocol.AckPayload](env.Payload)
	if err != nil {
		c.SendError(protocol.CodeBadRequest, "invalid ACK payload")
		return
	}
	c.RecordAck(ack)
	rt.correlator.HandleAck(ack)
}

// HandleNack logs a client-reported delivery failure.
func (rt *Router) HandleNack(c *Conn, env *protocol.Envelope) {
	nack, err := protocol.DecodePayload[protocol.NackPayload](env.Payload)
	if err != nil {
		c.SendError(protocol.CodeBadRequest, "invalid NACK payload")
		return
	}
	slog.Warn("client nack", "from", c.Name(), "ack_id", nack.AckID,
		"code", nack.Code, "reason", nack.Reason)
}

// RemoveConn erases every membership entry referring to a closed
// connection: channels, topics, and shadow bindings where it is the
// shadow. Shadow bindings where it is the primary persist; fan-out
// resolves primaries by name so a dead primary is naturally skipped.
func (rt *Router) RemoveConn(c *Conn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for channel, members := range rt.channels {
		delete(members, c)
		if len(members) == 0 {
			delete(rt.channels, channel)
		}
	}
	for topic, subs := range rt.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(rt.topics, topic)
		}
	}
	for primary := range rt.shadows {
		rt.removeShadowLocked(primary, c)
	}
}

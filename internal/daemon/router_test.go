package daemon

import (
	"testing"
	"time"

	"github.com/tessro/relay/internal/protocol"
)

func newTestRouter(t *testing.T, policy string) (*Router, *Registry) {
	t.Helper()
	reg := NewRegistry(policy)
	co := NewCorrelator(time.Second)
	return NewRouter(reg, co, nil), reg
}

func activeConn(t *testing.T, reg *Registry, name string) *Conn {
	t.Helper()
	c, _ := pipeConn(t, testConfig(), ConnHooks{})
	activate(c, name)
	if _, err := reg.Register(c); err != nil {
		t.Fatalf("Register(%s) error = %v", name, err)
	}
	return c
}

func sendEnvelope(to, body string) *protocol.Envelope {
	env := protocol.NewWithPayload(protocol.KindSend, protocol.MessagePayload{
		Kind: protocol.MessageKindMessage,
		Body: body,
	})
	env.To = to
	return env
}

func TestRouter_DirectSend(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")

	rt.HandleSend(alice, sendEnvelope("bob", "hello"))

	env := popEnvelope(t, bob)
	if env.Kind != protocol.KindDeliver {
		t.Fatalf("bob received %s, want DELIVER", env.Kind)
	}
	if env.From != "alice" || env.To != "bob" {
		t.Fatalf("deliver from/to = %s/%s, want alice/bob", env.From, env.To)
	}
	if env.Delivery == nil || env.Delivery.Seq != 1 {
		t.Fatalf("deliver delivery = %+v, want seq 1", env.Delivery)
	}
	if env.Delivery.OriginalTo != "" {
		t.Fatalf("direct deliver should not set original_to, got %q", env.Delivery.OriginalTo)
	}
	mustNoEnvelope(t, alice)
}

func TestRouter_DirectSendSeqIncreases(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")

	rt.HandleSend(alice, sendEnvelope("bob", "one"))
	rt.HandleSend(alice, sendEnvelope("bob", "two"))

	first := popEnvelope(t, bob)
	second := popEnvelope(t, bob)
	if first.Delivery.Seq != 1 || second.Delivery.Seq != 2 {
		t.Fatalf("seqs = %d, %d; want 1, 2", first.Delivery.Seq, second.Delivery.Seq)
	}
}

func TestRouter_SendUnknownAgent(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")

	rt.HandleSend(alice, sendEnvelope("ghost", "anyone there"))

	env := popEnvelope(t, alice)
	if env.Kind != protocol.KindNack {
		t.Fatalf("alice received %s, want NACK", env.Kind)
	}
	nack, err := protocol.DecodePayload[protocol.NackPayload](env.Payload)
	if err != nil {
		t.Fatalf("decode nack: %v", err)
	}
	if nack.Code != protocol.CodeNotFound {
		t.Fatalf("nack code = %s, want NOT_FOUND", nack.Code)
	}
}

func TestRouter_SendWithoutAddress(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")

	rt.HandleSend(alice, sendEnvelope("", "nowhere"))

	env := popEnvelope(t, alice)
	if env.Kind != protocol.KindError {
		t.Fatalf("alice received %s, want ERROR", env.Kind)
	}
}

func TestRouter_Broadcast(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")
	carol := activeConn(t, reg, "carol")

	rt.HandleSend(alice, sendEnvelope(protocol.Broadcast, "everyone"))

	for _, recipient := range []*Conn{bob, carol} {
		env := popEnvelope(t, recipient)
		if env.Kind != protocol.KindDeliver {
			t.Fatalf("%s received %s, want DELIVER", recipient.Name(), env.Kind)
		}
		if env.Delivery.OriginalTo != protocol.Broadcast {
			t.Fatalf("original_to = %q, want *", env.Delivery.OriginalTo)
		}
		if env.To != recipient.Name() {
			t.Fatalf("to = %q, want %q", env.To, recipient.Name())
		}
	}
	mustNoEnvelope(t, alice)
}

func TestRouter_BlockingSendTracksCorrelation(t *testing.T) {
	reg := NewRegistry(PolicyDisplace)
	co := NewCorrelator(time.Second)
	rt := NewRouter(reg, co, nil)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")

	env := sendEnvelope("bob", "are you done")
	env.Meta = &protocol.Meta{
		RequiresAck: true,
		Sync:        &protocol.SyncMeta{CorrelationID: "corr-9", Blocking: true},
	}
	rt.HandleSend(alice, env)

	if co.PendingCount() != 1 {
		t.Fatal("blocking send should open a pending entry")
	}

	delivered := popEnvelope(t, bob)
	if delivered.CorrelationID() != "corr-9" {
		t.Fatal("delivery must carry the sync correlation id")
	}

	// Bob acks end-to-end; alice gets the correlated response.
	ackEnv := protocol.NewWithPayload(protocol.KindAck, protocol.AckPayload{
		AckID:         delivered.ID,
		Seq:           delivered.Delivery.Seq,
		CorrelationID: "corr-9",
	})
	rt.HandleAck(bob, ackEnv)

	reply := popEnvelope(t, alice)
	if reply.Kind != protocol.KindAck {
		t.Fatalf("alice received %s, want ACK", reply.Kind)
	}
	ack, _ := protocol.DecodePayload[protocol.AckPayload](reply.Payload)
	if ack.CorrelationID != "corr-9" || !ack.Response {
		t.Fatalf("ack = %+v, want correlated response", ack)
	}
}

func TestRouter_AckRecordsDeliveryState(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	bob := activeConn(t, reg, "bob")

	ackEnv := protocol.NewWithPayload(protocol.KindAck, protocol.AckPayload{
		AckID:         "env-1",
		Seq:           3,
		CumulativeSeq: 3,
		Sack:          []uint64{5},
	})
	rt.HandleAck(bob, ackEnv)

	cumulative, sack := bob.AckState()
	if cumulative != 3 {
		t.Fatalf("cumulative = %d, want 3", cumulative)
	}
	if len(sack) != 1 || sack[0] != 5 {
		t.Fatalf("sack = %v, want [5]", sack)
	}
}

func TestRouter_ChannelJoinMessageLeave(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")
	carol := activeConn(t, reg, "carol")

	join := protocol.NewWithPayload(protocol.KindChannelJoin, protocol.ChannelPayload{Channel: "#dev"})
	rt.HandleChannelJoin(alice, join)
	rt.HandleChannelJoin(bob, join)
	rt.HandleChannelJoin(carol, join)

	rt.HandleSend(alice, sendEnvelope("#dev", "standup"))
	for _, member := range []*Conn{bob, carol} {
		env := popEnvelope(t, member)
		if env.Kind != protocol.KindDeliver {
			t.Fatalf("%s received %s, want DELIVER", member.Name(), env.Kind)
		}
		if env.Delivery.OriginalTo != "#dev" {
			t.Fatalf("original_to = %q, want #dev", env.Delivery.OriginalTo)
		}
	}
	mustNoEnvelope(t, alice)

	leave := protocol.NewWithPayload(protocol.KindChannelLeave, protocol.ChannelPayload{Channel: "#dev"})
	rt.HandleChannelLeave(carol, leave)
	rt.HandleSend(alice, sendEnvelope("#dev", "after leave"))
	popEnvelope(t, bob)
	mustNoEnvelope(t, carol)
}

func TestRouter_ChannelRequiresPrefix(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")

	join := protocol.NewWithPayload(protocol.KindChannelJoin, protocol.ChannelPayload{Channel: "dev"})
	rt.HandleChannelJoin(alice, join)

	env := popEnvelope(t, alice)
	if env.Kind != protocol.KindError {
		t.Fatalf("alice received %s, want ERROR", env.Kind)
	}
}

func TestRouter_ChannelInfo(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")

	join := protocol.NewWithPayload(protocol.KindChannelJoin, protocol.ChannelPayload{Channel: "#dev"})
	rt.HandleChannelJoin(alice, join)
	rt.HandleChannelJoin(bob, join)

	info := protocol.NewWithPayload(protocol.KindChannelInfo, protocol.ChannelPayload{Channel: "#dev"})
	rt.HandleChannelInfo(alice, info)

	env := popEnvelope(t, alice)
	if env.Kind != protocol.KindChannelMembers {
		t.Fatalf("alice received %s, want CHANNEL_MEMBERS", env.Kind)
	}
	if env.Meta == nil || env.Meta.ReplyTo != info.ID {
		t.Fatal("CHANNEL_MEMBERS must carry reply_to")
	}
	p, _ := protocol.DecodePayload[protocol.ChannelMembersPayload](env.Payload)
	if len(p.Members) != 2 || p.Members[0] != "alice" || p.Members[1] != "bob" {
		t.Fatalf("members = %v, want [alice bob]", p.Members)
	}
}

func TestRouter_TopicPubSub(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")
	carol := activeConn(t, reg, "carol")

	sub := protocol.NewWithPayload(protocol.KindSubscribe, protocol.TopicPayload{Topic: "builds"})
	rt.HandleSubscribe(bob, sub)
	rt.HandleSubscribe(carol, sub)

	env := protocol.NewWithPayload(protocol.KindSend, protocol.MessagePayload{Body: "build ok"})
	env.Topic = "builds"
	rt.HandleSend(alice, env)

	for _, recipient := range []*Conn{bob, carol} {
		got := popEnvelope(t, recipient)
		if got.Kind != protocol.KindDeliver || got.Topic != "builds" {
			t.Fatalf("%s received %s topic=%q, want DELIVER on builds", recipient.Name(), got.Kind, got.Topic)
		}
	}
	mustNoEnvelope(t, alice)

	unsub := protocol.NewWithPayload(protocol.KindUnsubscribe, protocol.TopicPayload{Topic: "builds"})
	rt.HandleUnsubscribe(carol, unsub)
	rt.HandleSend(alice, env)
	popEnvelope(t, bob)
	mustNoEnvelope(t, carol)
}

func TestRouter_TopicAndDirectAreDisjoint(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")
	carol := activeConn(t, reg, "carol")

	sub := protocol.NewWithPayload(protocol.KindSubscribe, protocol.TopicPayload{Topic: "builds"})
	rt.HandleSubscribe(carol, sub)

	// Direct to bob plus topic fan-out to carol, in one envelope.
	env := sendEnvelope("bob", "done")
	env.Topic = "builds"
	rt.HandleSend(alice, env)

	popEnvelope(t, bob)
	popEnvelope(t, carol)
	mustNoEnvelope(t, alice)
}

func TestRouter_ShadowReceivesCopies(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")
	shadow := activeConn(t, reg, "observer")

	bind := protocol.NewWithPayload(protocol.KindShadowBind, protocol.ShadowBindPayload{Primary: "bob"})
	rt.HandleShadowBind(shadow, bind)

	rt.HandleSend(alice, sendEnvelope("bob", "primary traffic"))

	if env := popEnvelope(t, bob); env.Kind != protocol.KindDeliver {
		t.Fatalf("bob received %s, want DELIVER", env.Kind)
	}
	copyEnv := popEnvelope(t, shadow)
	if copyEnv.Kind != protocol.KindDeliver || copyEnv.From != "alice" {
		t.Fatalf("shadow copy = %s from %s, want DELIVER from alice", copyEnv.Kind, copyEnv.From)
	}
}

func TestRouter_ShadowDedupAcrossBindings(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")
	shadow := activeConn(t, reg, "observer")

	// Shadow both sides of the conversation.
	rt.HandleShadowBind(shadow, protocol.NewWithPayload(protocol.KindShadowBind,
		protocol.ShadowBindPayload{Primary: "alice"}))
	rt.HandleShadowBind(shadow, protocol.NewWithPayload(protocol.KindShadowBind,
		protocol.ShadowBindPayload{Primary: "bob"}))

	rt.HandleSend(alice, sendEnvelope("bob", "hi"))

	popEnvelope(t, bob)
	popEnvelope(t, shadow)
	mustNoEnvelope(t, shadow)
}

func TestRouter_ShadowTriggerFiltering(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")
	shadow := activeConn(t, reg, "reviewer")

	rt.HandleShadowBind(shadow, protocol.NewWithPayload(protocol.KindShadowBind,
		protocol.ShadowBindPayload{
			Primary:  "bob",
			Triggers: []string{protocol.TriggerCodeWritten},
		}))

	// No trigger hint: filtered out.
	rt.HandleSend(alice, sendEnvelope("bob", "chit chat"))
	popEnvelope(t, bob)
	mustNoEnvelope(t, shadow)

	// Matching trigger hint: copied.
	env := protocol.NewWithPayload(protocol.KindSend, protocol.MessagePayload{
		Body: "wrote the parser",
		Data: map[string]any{"trigger": protocol.TriggerCodeWritten},
	})
	env.To = "bob"
	rt.HandleSend(alice, env)
	popEnvelope(t, bob)
	if got := popEnvelope(t, shadow); got.Kind != protocol.KindDeliver {
		t.Fatalf("shadow received %s, want DELIVER", got.Kind)
	}
}

func TestRouter_ShadowUnbind(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")
	shadow := activeConn(t, reg, "observer")

	rt.HandleShadowBind(shadow, protocol.NewWithPayload(protocol.KindShadowBind,
		protocol.ShadowBindPayload{Primary: "bob"}))
	rt.HandleShadowUnbind(shadow, protocol.NewWithPayload(protocol.KindShadowUnbind,
		protocol.ShadowUnbindPayload{Primary: "bob"}))

	rt.HandleSend(alice, sendEnvelope("bob", "hi"))
	popEnvelope(t, bob)
	mustNoEnvelope(t, shadow)
}

func TestRouter_RemoveConnCleansMemberships(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")

	rt.HandleChannelJoin(bob, protocol.NewWithPayload(protocol.KindChannelJoin,
		protocol.ChannelPayload{Channel: "#dev"}))
	rt.HandleSubscribe(bob, protocol.NewWithPayload(protocol.KindSubscribe,
		protocol.TopicPayload{Topic: "builds"}))
	rt.HandleShadowBind(bob, protocol.NewWithPayload(protocol.KindShadowBind,
		protocol.ShadowBindPayload{Primary: "alice"}))

	rt.RemoveConn(bob)
	reg.Deregister(bob)

	rt.HandleSend(alice, sendEnvelope("#dev", "anyone"))
	env := protocol.NewWithPayload(protocol.KindSend, protocol.MessagePayload{Body: "x"})
	env.Topic = "builds"
	rt.HandleSend(alice, env)
	mustNoEnvelope(t, bob)
}

func TestRouter_ChannelTypingRelay(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")

	for _, c := range []*Conn{alice, bob} {
		rt.HandleChannelJoin(c, protocol.NewWithPayload(protocol.KindChannelJoin,
			protocol.ChannelPayload{Channel: "#dev"}))
	}

	rt.HandleChannelTyping(alice, protocol.NewWithPayload(protocol.KindChannelTyping,
		protocol.ChannelTypingPayload{Channel: "#dev", Typing: true}))

	env := popEnvelope(t, bob)
	if env.Kind != protocol.KindChannelTyping {
		t.Fatalf("bob received %s, want CHANNEL_TYPING", env.Kind)
	}
	if env.From != "alice" || env.To != "bob" {
		t.Fatalf("from/to = %s/%s, want alice/bob", env.From, env.To)
	}
	p, err := protocol.DecodePayload[protocol.ChannelTypingPayload](env.Payload)
	if err != nil || p.Channel != "#dev" || !p.Typing {
		t.Fatalf("payload = %+v, err %v", p, err)
	}
	if env.Delivery != nil {
		t.Fatal("typing relay must not carry delivery info")
	}
	mustNoEnvelope(t, alice)
}

func TestRouter_ChannelTypingWithoutChannelDropped(t *testing.T) {
	rt, reg := newTestRouter(t, PolicyDisplace)
	alice := activeConn(t, reg, "alice")
	bob := activeConn(t, reg, "bob")

	rt.HandleChannelJoin(bob, protocol.NewWithPayload(protocol.KindChannelJoin,
		protocol.ChannelPayload{Channel: "#dev"}))

	// No channel in payload or "to": silently dropped.
	rt.HandleChannelTyping(alice, protocol.NewWithPayload(protocol.KindChannelTyping,
		protocol.ChannelTypingPayload{Typing: true}))
	mustNoEnvelope(t, bob)
}

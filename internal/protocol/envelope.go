// Package protocol defines the relay wire protocol: typed envelopes, the
// kind enumeration, per-kind payload schemas, and the framing codec.
//
// Every message on the wire is an Envelope. Clients and the daemon exchange
// envelopes over length-prefixed frames (see frame.go) in one of two
// encodings, JSON or MessagePack, discriminated per frame.
//
// # Versioning
//
// Envelopes carry a protocol version in the "v" field. The daemon rejects
// frames whose version does not match ProtocolVersion and closes the
// offending connection before processing any further frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tessro/relay/internal/id"
)

// ProtocolVersion is the current relay wire protocol version.
const ProtocolVersion = 1

// Kind identifies the type of a relay envelope.
type Kind string

const (
	// Handshake
	KindHello   Kind = "HELLO"
	KindWelcome Kind = "WELCOME"

	// Messaging
	KindSend    Kind = "SEND"    // client -> daemon
	KindDeliver Kind = "DELIVER" // daemon -> client

	// Acknowledgment
	KindAck  Kind = "ACK"
	KindNack Kind = "NACK"

	// Control and health
	KindPing  Kind = "PING"
	KindPong  Kind = "PONG"
	KindBusy  Kind = "BUSY"
	KindError Kind = "ERROR"
	KindBye   Kind = "BYE"
	KindLog   Kind = "LOG"

	// Channels
	KindChannelJoin    Kind = "CHANNEL_JOIN"
	KindChannelLeave   Kind = "CHANNEL_LEAVE"
	KindChannelMessage Kind = "CHANNEL_MESSAGE"
	KindChannelInfo    Kind = "CHANNEL_INFO"
	KindChannelMembers Kind = "CHANNEL_MEMBERS"
	KindChannelTyping  Kind = "CHANNEL_TYPING"

	// Pub/sub topics
	KindSubscribe   Kind = "SUBSCRIBE"
	KindUnsubscribe Kind = "UNSUBSCRIBE"

	// Shadows
	KindShadowBind   Kind = "SHADOW_BIND"
	KindShadowUnbind Kind = "SHADOW_UNBIND"

	// Spawn lifecycle
	KindSpawn         Kind = "SPAWN"
	KindSpawnResult   Kind = "SPAWN_RESULT"
	KindRelease       Kind = "RELEASE"
	KindReleaseResult Kind = "RELEASE_RESULT"

	// Session resume (reserved; accepted on the wire, not yet implemented)
	KindResume       Kind = "RESUME"
	KindSyncSnapshot Kind = "SYNC_SNAPSHOT"
	KindSyncDelta    Kind = "SYNC_DELTA"
)

// knownKinds is the exhaustive set of valid envelope kinds.
var knownKinds = map[Kind]struct{}{
	KindHello: {}, KindWelcome: {},
	KindSend: {}, KindDeliver: {},
	KindAck: {}, KindNack: {},
	KindPing: {}, KindPong: {}, KindBusy: {}, KindError: {}, KindBye: {}, KindLog: {},
	KindChannelJoin: {}, KindChannelLeave: {}, KindChannelMessage: {},
	KindChannelInfo: {}, KindChannelMembers: {}, KindChannelTyping: {},
	KindSubscribe: {}, KindUnsubscribe: {},
	KindShadowBind: {}, KindShadowUnbind: {},
	KindSpawn: {}, KindSpawnResult: {}, KindRelease: {}, KindReleaseResult: {},
	KindResume: {}, KindSyncSnapshot: {}, KindSyncDelta: {},
}

// KnownKind reports whether k is a valid envelope kind.
func KnownKind(k Kind) bool {
	_, ok := knownKinds[k]
	return ok
}

// Addressing constants.
const (
	// Broadcast is the "to" value that fans an envelope out to all agents.
	Broadcast = "*"

	// ChannelPrefix marks a "to" value as a channel name.
	ChannelPrefix = "#"
)

// Envelope is the unit of the relay wire protocol.
type Envelope struct {
	V     int    `json:"v" msgpack:"v"`
	Kind  Kind   `json:"kind" msgpack:"kind"`
	ID    string `json:"id" msgpack:"id"`
	TS    int64  `json:"ts" msgpack:"ts"` // creation time, unix milliseconds
	From  string `json:"from,omitempty" msgpack:"from,omitempty"`
	To    string `json:"to,omitempty" msgpack:"to,omitempty"`
	Topic string `json:"topic,omitempty" msgpack:"topic,omitempty"`

	// Payload is kind-specific. It decodes as a generic map; use
	// UnmarshalPayload or DecodePayload to convert to a typed struct.
	Payload any `json:"payload,omitempty" msgpack:"payload,omitempty"`

	// Delivery is attached by the daemon on outbound envelopes, never by
	// clients.
	Delivery *Delivery `json:"delivery,omitempty" msgpack:"delivery,omitempty"`

	// Meta carries optional sender hints such as ack requirements and
	// blocking-send correlation.
	Meta *Meta `json:"meta,omitempty" msgpack:"meta,omitempty"`
}

// Delivery is daemon-attached metadata on outbound envelopes.
type Delivery struct {
	Seq        uint64 `json:"seq" msgpack:"seq"`
	SessionID  string `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	OriginalTo string `json:"original_to,omitempty" msgpack:"original_to,omitempty"`
}

// Meta carries optional per-envelope sender hints.
type Meta struct {
	RequiresAck bool      `json:"requires_ack,omitempty" msgpack:"requires_ack,omitempty"`
	TTLMs       int64     `json:"ttl_ms,omitempty" msgpack:"ttl_ms,omitempty"`
	Importance  string    `json:"importance,omitempty" msgpack:"importance,omitempty"`
	ReplyTo     string    `json:"reply_to,omitempty" msgpack:"reply_to,omitempty"`
	Sync        *SyncMeta `json:"sync,omitempty" msgpack:"sync,omitempty"`
}

// SyncMeta describes a blocking send awaiting an end-to-end ACK.
type SyncMeta struct {
	CorrelationID string `json:"correlation_id" msgpack:"correlation_id"`
	TimeoutMs     int64  `json:"timeout_ms,omitempty" msgpack:"timeout_ms,omitempty"`
	Blocking      bool   `json:"blocking,omitempty" msgpack:"blocking,omitempty"`
}

// New creates an envelope of the given kind with a fresh time-ordered ID
// and the current timestamp.
func New(kind Kind) *Envelope {
	return &Envelope{
		V:    ProtocolVersion,
		Kind: kind,
		ID:   id.Envelope(),
		TS:   time.Now().UnixMilli(),
	}
}

// NewWithPayload creates an envelope of the given kind carrying payload.
func NewWithPayload(kind Kind, payload any) *Envelope {
	env := New(kind)
	env.Payload = payload
	return env
}

// Validate checks the envelope header against the protocol contract.
func (e *Envelope) Validate() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, e.V, ProtocolVersion)
	}
	if !KnownKind(e.Kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.ID == "" {
		return ErrMissingID
	}
	return nil
}

// CorrelationID returns the sync correlation id, or "" when the envelope
// carries no blocking-send metadata.
func (e *Envelope) CorrelationID() string {
	if e.Meta == nil || e.Meta.Sync == nil {
		return ""
	}
	return e.Meta.Sync.CorrelationID
}

// Blocking reports whether the sender is waiting on an end-to-end ACK.
func (e *Envelope) Blocking() bool {
	return e.Meta != nil && e.Meta.Sync != nil && e.Meta.Sync.Blocking
}

// UnmarshalPayload converts a generic payload to a specific type.
// This handles the round-trip needed because payloads arrive as
// map[string]any from both the JSON and MessagePack decoders.
func UnmarshalPayload(payload any, dst any) error {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// DecodePayload is a generic helper that decodes an envelope payload to type T.
func DecodePayload[T any](payload any) (*T, error) {
	var result T
	if err := UnmarshalPayload(payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

package protocol

// Error codes carried in ERROR and NACK payloads.
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeInternal     = "INTERNAL"
	CodeBusy         = "BUSY"
	CodeResumeTooOld = "RESUME_TOO_OLD"
)

// Entity types carried in HELLO payloads.
const (
	EntityAgent = "agent"
	EntityUser  = "user"
)

// Shadow trigger names for SHADOW_BIND payloads.
const (
	TriggerSessionEnd    = "SESSION_END"
	TriggerCodeWritten   = "CODE_WRITTEN"
	TriggerReviewRequest = "REVIEW_REQUEST"
	TriggerExplicitAsk   = "EXPLICIT_ASK"
	TriggerAllMessages   = "ALL_MESSAGES"
)

// HelloPayload is the payload of the single HELLO frame a client sends
// during handshake.
type HelloPayload struct {
	Agent  string `json:"agent"`
	Entity string `json:"entity,omitempty"` // "agent" (default) or "user"
	CLI    string `json:"cli,omitempty"`
	Model  string `json:"model,omitempty"`
	Task   string `json:"task,omitempty"`
	Cwd    string `json:"cwd,omitempty"`
}

// ServerInfo advertises daemon limits in the WELCOME payload.
type ServerInfo struct {
	MaxFrameBytes int   `json:"max_frame_bytes"`
	HeartbeatMs   int64 `json:"heartbeat_ms"`
}

// WelcomePayload is the daemon's reply to a valid HELLO.
type WelcomePayload struct {
	SessionID string     `json:"session_id"`
	Server    ServerInfo `json:"server"`
}

// Message content kinds for SEND/DELIVER/CHANNEL_MESSAGE payloads.
const (
	MessageKindMessage  = "message"
	MessageKindAction   = "action"
	MessageKindState    = "state"
	MessageKindThinking = "thinking"
)

// MessagePayload is the payload of SEND, DELIVER, and CHANNEL_MESSAGE.
type MessagePayload struct {
	Kind   string         `json:"kind,omitempty"` // message, action, state, thinking
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
	Thread string         `json:"thread,omitempty"`
}

// AckPayload acknowledges a delivered envelope. CumulativeSeq and Sack feed
// per-connection delivery state for future session resume; CorrelationID,
// Response, and ResponseData close a blocking send end-to-end.
type AckPayload struct {
	AckID         string   `json:"ack_id,omitempty"` // id of the envelope being acked
	Seq           uint64   `json:"seq,omitempty"`
	CumulativeSeq uint64   `json:"cumulative_seq,omitempty"`
	Sack          []uint64 `json:"sack,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Response      bool     `json:"response,omitempty"`
	ResponseData  any      `json:"response_data,omitempty"`
}

// NackPayload reports a routing failure for a specific envelope.
type NackPayload struct {
	AckID  string `json:"ack_id,omitempty"` // id of the envelope that failed
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload reports a protocol or internal error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// PingPayload carries the heartbeat nonce; PONG echoes it back.
type PingPayload struct {
	Nonce string `json:"nonce,omitempty"`
}

// BusyPayload signals write-queue backpressure. Accept is false on the
// high-watermark transition and true on the matching low-watermark resume.
type BusyPayload struct {
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
	QueueDepth   int   `json:"queue_depth"`
	Accept       bool  `json:"accept"`
}

// ByePayload announces an orderly disconnect.
type ByePayload struct {
	Reason string `json:"reason,omitempty"`
}

// LogPayload forwards a client-side log line through the daemon log.
type LogPayload struct {
	Level   string         `json:"level,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// ChannelPayload is the payload of CHANNEL_JOIN, CHANNEL_LEAVE, and
// CHANNEL_INFO. The channel may alternatively ride in the envelope "to"
// field; the router accepts either.
type ChannelPayload struct {
	Channel string `json:"channel,omitempty"`
}

// ChannelMembersPayload answers a CHANNEL_INFO request.
type ChannelMembersPayload struct {
	Channel string   `json:"channel"`
	Members []string `json:"members"`
}

// ChannelTypingPayload relays a typing indicator to channel members.
type ChannelTypingPayload struct {
	Channel string `json:"channel,omitempty"`
	Typing  bool   `json:"typing"`
}

// TopicPayload is the payload of SUBSCRIBE and UNSUBSCRIBE.
type TopicPayload struct {
	Topic string `json:"topic"`
}

// ShadowBindPayload binds the sending connection as a shadow of a primary
// agent. ReceiveIncoming and ReceiveOutgoing default to true when omitted.
type ShadowBindPayload struct {
	Primary         string   `json:"primary"`
	Triggers        []string `json:"triggers,omitempty"`
	ReceiveIncoming *bool    `json:"receive_incoming,omitempty"`
	ReceiveOutgoing *bool    `json:"receive_outgoing,omitempty"`
}

// ShadowUnbindPayload removes a shadow binding.
type ShadowUnbindPayload struct {
	Primary string `json:"primary"`
}

// SpawnPayload asks the daemon to launch a new worker agent.
type SpawnPayload struct {
	Name          string   `json:"name"`
	CLI           string   `json:"cli"`
	Task          string   `json:"task,omitempty"`
	Cwd           string   `json:"cwd,omitempty"`
	Team          string   `json:"team,omitempty"`
	SpawnerName   string   `json:"spawner_name,omitempty"`
	Model         string   `json:"model,omitempty"`
	ShadowOf      string   `json:"shadow_of,omitempty"`
	ShadowSpeakOn []string `json:"shadow_speak_on,omitempty"`
}

// SpawnResultPayload reports the outcome of a SPAWN request.
type SpawnResultPayload struct {
	Success        bool   `json:"success"`
	Name           string `json:"name"`
	PID            int    `json:"pid,omitempty"`
	Error          string `json:"error,omitempty"`
	PolicyDecision string `json:"policy_decision,omitempty"`
}

// ReleasePayload asks the daemon to stop a spawned worker agent.
type ReleasePayload struct {
	Name string `json:"name"`
}

// ReleaseResultPayload reports the outcome of a RELEASE request.
type ReleaseResultPayload struct {
	Success bool   `json:"success"`
	Name    string `json:"name"`
	Error   string `json:"error,omitempty"`
}

package daemon

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tessro/relay/internal/protocol"
)

// Correlator exposes request/reply semantics on top of asynchronous
// delivery. A blocking SEND opens a pending entry keyed by its
// correlation id; the first matching end-to-end ACK closes it with a
// tailored ACK to the sender, and expiry closes it with an ERROR. Every
// entry resolves exactly one way.
type Correlator struct {
	defaultTimeout time.Duration

	mu sync.Mutex
	// +checklocks:mu
	pending map[string]*pendingAck
}

// pendingAck is one tracked blocking send.
type pendingAck struct {
	sender        *Conn
	correlationID string
	timer         *time.Timer
	startedAt     time.Time
}

// NewCorrelator creates a correlator with the given default timeout for
// blocking sends that carry none.
func NewCorrelator(defaultTimeout time.Duration) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Correlator{
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pendingAck),
	}
}

// Track opens a pending entry for a blocking SEND. A second blocking send
// reusing a live correlation id replaces the prior entry silently.
func (co *Correlator) Track(sender *Conn, env *protocol.Envelope) {
	corrID := env.CorrelationID()
	if corrID == "" {
		return
	}
	timeout := co.defaultTimeout
	if env.Meta.Sync.TimeoutMs > 0 {
		timeout = time.Duration(env.Meta.Sync.TimeoutMs) * time.Millisecond
	}

	entry := &pendingAck{
		sender:        sender,
		correlationID: corrID,
		startedAt:     time.Now(),
	}
	entry.timer = time.AfterFunc(timeout, func() { co.expire(corrID) })

	co.mu.Lock()
	if prior, ok := co.pending[corrID]; ok {
		prior.timer.Stop()
	}
	co.pending[corrID] = entry
	co.mu.Unlock()

	slog.Debug("blocking send tracked", "correlation_id", corrID,
		"from", sender.Name(), "timeout", timeout)
}

// HandleAck closes the pending entry matching the ACK's correlation id,
// forwarding a tailored ACK to the original sender. ACKs for unknown or
// already-resolved correlation ids are ignored.
func (co *Correlator) HandleAck(ack *protocol.AckPayload) {
	if ack.CorrelationID == "" {
		return
	}

	co.mu.Lock()
	entry, ok := co.pending[ack.CorrelationID]
	if ok {
		delete(co.pending, ack.CorrelationID)
	}
	co.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()

	reply := protocol.NewWithPayload(protocol.KindAck, protocol.AckPayload{
		CorrelationID: ack.CorrelationID,
		Response:      true,
		ResponseData:  ack.ResponseData,
	})
	if err := entry.sender.Enqueue(reply); err != nil {
		slog.Debug("correlated ack enqueue failed",
			"correlation_id", ack.CorrelationID, "to", entry.sender.Name(), "error", err)
		return
	}
	slog.Debug("blocking send resolved", "correlation_id", ack.CorrelationID,
		"elapsed", time.Since(entry.startedAt))
}

// expire resolves a timed-out entry with an ERROR to the sender.
func (co *Correlator) expire(corrID string) {
	co.mu.Lock()
	entry, ok := co.pending[corrID]
	if ok {
		delete(co.pending, corrID)
	}
	co.mu.Unlock()
	if !ok {
		return
	}

	slog.Warn("blocking send timed out", "correlation_id", corrID,
		"from", entry.sender.Name(), "waited", time.Since(entry.startedAt))
	entry.sender.enqueueControl(protocol.NewWithPayload(protocol.KindError, protocol.ErrorPayload{
		Code:    protocol.CodeInternal,
		Message: "ACK timeout",
	}))
}

// Cancel drops a pending entry without notifying anyone. Used when the
// delivery that opened the entry fails to enqueue.
func (co *Correlator) Cancel(corrID string) {
	co.mu.Lock()
	entry, ok := co.pending[corrID]
	if ok {
		delete(co.pending, corrID)
	}
	co.mu.Unlock()
	if ok {
		entry.timer.Stop()
	}
}

// CancelAll drops every pending entry opened by a disconnecting sender.
func (co *Correlator) CancelAll(sender *Conn) {
	co.mu.Lock()
	var dropped []*pendingAck
	for corrID, entry := range co.pending {
		if entry.sender == sender {
			dropped = append(dropped, entry)
			delete(co.pending, corrID)
		}
	}
	co.mu.Unlock()
	for _, entry := range dropped {
		entry.timer.Stop()
	}
}

// PendingCount returns the number of open entries.
func (co *Correlator) PendingCount() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.pending)
}

// Package id provides utilities for generating unique identifiers.
//
// Envelope IDs must sort lexicographically by creation time so that
// message logs from different agents can be merged without a secondary
// sort key. UUIDv7 encodes a millisecond timestamp in its high bits,
// which gives exactly that property.
package id

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Envelope returns a time-ordered unique envelope ID.
// Falls back to a random UUID if the monotonic source fails.
func Envelope() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}

// Session returns a random session identifier.
func Session() string {
	return uuid.NewString()
}

// Nonce returns a short random hex token for heartbeat pings.
func Nonce() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

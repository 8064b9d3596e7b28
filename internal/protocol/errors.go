package protocol

import "errors"

// Errors returned by envelope validation and the framing codec.
var (
	ErrVersionMismatch = errors.New("protocol version mismatch")
	ErrUnknownKind     = errors.New("unknown envelope kind")
	ErrMissingID       = errors.New("envelope missing id")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrUnknownFormat   = errors.New("unknown frame format")
	ErrBadFrame        = errors.New("malformed frame payload")
)

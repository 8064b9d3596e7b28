package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire formats, carried in the first header byte of each frame.
const (
	FormatJSON    byte = 0
	FormatMsgpack byte = 1
)

// Frame layout constants.
const (
	// HeaderSize is 1 format byte plus a 4-byte big-endian payload length.
	HeaderSize = 5

	// LegacyHeaderSize is the header of the legacy JSON-only framing:
	// a bare 4-byte big-endian payload length, no format byte.
	LegacyHeaderSize = 4

	// DefaultMaxFrame is the default maximum payload size (1 MiB).
	DefaultMaxFrame = 1 << 20
)

// EncodeFrame encodes an envelope into a framed wire message in the given
// format.
func EncodeFrame(env *Envelope, format byte) ([]byte, error) {
	payload, err := encodePayload(env, format)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = format
	binary.BigEndian.PutUint32(frame[1:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// EncodeLegacyFrame encodes an envelope with the legacy 4-byte JSON framing.
func EncodeLegacyFrame(env *Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	frame := make([]byte, LegacyHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:LegacyHeaderSize], uint32(len(payload)))
	copy(frame[LegacyHeaderSize:], payload)
	return frame, nil
}

func encodePayload(env *Envelope, format byte) ([]byte, error) {
	switch format {
	case FormatJSON:
		b, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("encode envelope: %w", err)
		}
		return b, nil
	case FormatMsgpack:
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		// Key payload maps by the json tag names so both encodings produce
		// the same field names on the wire.
		enc.SetCustomStructTag("json")
		if err := enc.Encode(env); err != nil {
			return nil, fmt.Errorf("encode envelope: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, format)
	}
}

func decodePayload(payload []byte, format byte) (*Envelope, error) {
	var env Envelope
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
	case FormatMsgpack:
		dec := msgpack.NewDecoder(bytes.NewReader(payload))
		dec.SetCustomStructTag("json")
		if err := dec.Decode(&env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, format)
	}
	return &env, nil
}

// Decoder is a streaming frame parser. It accumulates bytes in a ring
// buffer and yields complete envelopes in arrival order. A parse error is
// fatal to the stream: the owning connection must be closed.
type Decoder struct {
	buf        []byte
	r, w       int // unread region is buf[r:w]
	maxFrame   int
	legacy     bool
	lastFormat byte
}

// NewDecoder creates a streaming decoder with the given maximum payload
// size. A maxFrame of zero selects DefaultMaxFrame. The buffer holds two
// maximum frames plus a header so a frame split across pushes never forces
// a reallocation.
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Decoder{
		buf:      make([]byte, 2*maxFrame+HeaderSize),
		maxFrame: maxFrame,
	}
}

// SetLegacy switches the decoder to the legacy 4-byte JSON-only framing.
// Must be called before the first byte is pushed.
func (d *Decoder) SetLegacy(legacy bool) {
	d.legacy = legacy
}

// Legacy reports whether the decoder runs in legacy framing mode.
func (d *Decoder) Legacy() bool {
	return d.legacy
}

// Buffered returns the number of unconsumed bytes held by the decoder.
func (d *Decoder) Buffered() int {
	return d.w - d.r
}

// LastFormat returns the wire format of the most recently decoded frame.
// Connections use it to answer a client in the encoding it speaks.
func (d *Decoder) LastFormat() byte {
	return d.lastFormat
}

// Push appends data to the decoder and returns every fully-formed envelope.
// Returned errors are fatal: the stream is corrupt past recovery and the
// connection must be aborted.
func (d *Decoder) Push(data []byte) ([]*Envelope, error) {
	if len(data) > len(d.buf)-(d.w-d.r) {
		return nil, fmt.Errorf("%w: push of %d bytes overflows decoder buffer", ErrFrameTooLarge, len(data))
	}
	if d.w+len(data) > len(d.buf) {
		d.compact()
	}
	copy(d.buf[d.w:], data)
	d.w += len(data)

	var envs []*Envelope
	for {
		env, err := d.next()
		if err != nil {
			return nil, err
		}
		if env == nil {
			break
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// compact moves the unread region to the front of the buffer.
func (d *Decoder) compact() {
	copy(d.buf, d.buf[d.r:d.w])
	d.w -= d.r
	d.r = 0
}

// next parses a single frame from the buffered bytes, or returns nil when
// no complete frame is available yet.
func (d *Decoder) next() (*Envelope, error) {
	headerSize := HeaderSize
	if d.legacy {
		headerSize = LegacyHeaderSize
	}
	if d.w-d.r < headerSize {
		return nil, nil
	}

	format := FormatJSON
	var length int
	if d.legacy {
		length = int(binary.BigEndian.Uint32(d.buf[d.r : d.r+LegacyHeaderSize]))
	} else {
		format = d.buf[d.r]
		if format != FormatJSON && format != FormatMsgpack {
			return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, format)
		}
		length = int(binary.BigEndian.Uint32(d.buf[d.r+1 : d.r+HeaderSize]))
	}

	if length > d.maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, d.maxFrame)
	}
	if d.w-d.r < headerSize+length {
		return nil, nil
	}

	payload := d.buf[d.r+headerSize : d.r+headerSize+length]
	env, err := decodePayload(payload, format)
	if err != nil {
		return nil, err
	}
	d.r += headerSize + length
	if d.r == d.w {
		d.r, d.w = 0, 0
	}
	d.lastFormat = format
	return env, nil
}

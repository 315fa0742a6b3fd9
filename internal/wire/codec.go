package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize bounds the declared payload length of a single frame.
	// A guest declaring more than this is violating the protocol and the
	// connection is terminated; the bound keeps a malicious or buggy
	// guest from forcing large host allocations.
	MaxFrameSize = 64 << 10

	// MaxStringLen bounds every length-prefixed string (titles, the
	// hello identity).
	MaxStringLen = 4096

	frameHeaderLen = 4
)

// Protocol violations. All of them are fatal to the connection that
// produced them; none is ever retried at this layer.
var (
	ErrFrameTooLarge = errors.New("wire: declared frame length exceeds maximum")
	ErrStringTooLong = errors.New("wire: string field exceeds maximum length")
	ErrUnknownKind   = errors.New("wire: unknown message type tag")
	ErrMalformed     = errors.New("wire: malformed frame payload")
)

// Encode serializes m into a complete frame: a 4-byte big-endian payload
// length followed by the payload.
func Encode(m Message) ([]byte, error) {
	payload, err := appendPayload(make([]byte, 0, 64), m)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeaderLen, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	return append(frame, payload...), nil
}

// WriteMessage encodes m and writes the full frame to w.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func appendPayload(b []byte, m Message) ([]byte, error) {
	if !m.Kind.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(m.Kind))
	}
	b = append(b, byte(m.Kind))

	if m.Kind == KindHello {
		return appendString(b, m.Identity)
	}

	b = binary.BigEndian.AppendUint64(b, m.Seq)
	if m.Kind != KindHeartbeat {
		b = binary.BigEndian.AppendUint32(b, m.WindowID)
	}

	var err error
	switch m.Kind {
	case KindCreated:
		if b, err = appendString(b, m.Title); err != nil {
			return nil, err
		}
		b = appendInt32(b, m.X)
		b = appendInt32(b, m.Y)
		b = appendInt32(b, m.Width)
		b = appendInt32(b, m.Height)
		b = appendBool(b, m.Focused)
		b = appendBool(b, m.Visible)
	case KindMoved:
		b = appendInt32(b, m.X)
		b = appendInt32(b, m.Y)
	case KindResized:
		b = appendInt32(b, m.Width)
		b = appendInt32(b, m.Height)
	case KindTitleChanged:
		if b, err = appendString(b, m.Title); err != nil {
			return nil, err
		}
	case KindDestroyed, KindFocusGained, KindFocusLost, KindHeartbeat:
		// WindowID (or nothing) only.
	}
	return b, nil
}

func appendString(b []byte, s string) ([]byte, error) {
	if len(s) > MaxStringLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...), nil
}

func appendInt32(b []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(v))
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// Decoder reads frames from a byte stream and yields one message per
// call. It is restartable per connection: wrap the connection's reader
// and call Next until it returns an error.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for frame-at-a-time decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next blocks until a whole frame is available and returns its message.
// Truncated streams surface io.EOF (clean close between frames) or
// io.ErrUnexpectedEOF (close mid-frame). Protocol violations return one
// of the wire sentinel errors; the decoder must not be used afterwards.
func (d *Decoder) Next() (Message, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, io.ErrUnexpectedEOF
		}
		return Message{}, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, MaxFrameSize)
	}
	if length == 0 {
		return Message{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, io.ErrUnexpectedEOF
		}
		return Message{}, err
	}

	return parsePayload(payload)
}

func parsePayload(payload []byte) (Message, error) {
	c := cursor{buf: payload}

	tag, err := c.byte()
	if err != nil {
		return Message{}, err
	}
	kind := Kind(tag)
	if !kind.valid() {
		return Message{}, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, tag)
	}

	m := Message{Kind: kind}

	if kind == KindHello {
		if m.Identity, err = c.str(); err != nil {
			return Message{}, err
		}
		return m, c.done()
	}

	if m.Seq, err = c.uint64(); err != nil {
		return Message{}, err
	}
	if kind != KindHeartbeat {
		if m.WindowID, err = c.uint32(); err != nil {
			return Message{}, err
		}
	}

	switch kind {
	case KindCreated:
		if m.Title, err = c.str(); err != nil {
			return Message{}, err
		}
		if m.X, err = c.int32(); err != nil {
			return Message{}, err
		}
		if m.Y, err = c.int32(); err != nil {
			return Message{}, err
		}
		if m.Width, err = c.int32(); err != nil {
			return Message{}, err
		}
		if m.Height, err = c.int32(); err != nil {
			return Message{}, err
		}
		if m.Focused, err = c.bool(); err != nil {
			return Message{}, err
		}
		if m.Visible, err = c.bool(); err != nil {
			return Message{}, err
		}
	case KindMoved:
		if m.X, err = c.int32(); err != nil {
			return Message{}, err
		}
		if m.Y, err = c.int32(); err != nil {
			return Message{}, err
		}
	case KindResized:
		if m.Width, err = c.int32(); err != nil {
			return Message{}, err
		}
		if m.Height, err = c.int32(); err != nil {
			return Message{}, err
		}
	case KindTitleChanged:
		if m.Title, err = c.str(); err != nil {
			return Message{}, err
		}
	}

	return m, c.done()
}

// cursor walks a payload, failing on any read past the end so a short
// frame can never be partially applied.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) take(n int) ([]byte, error) {
	if c.off+n > len(c.buf) {
		return nil, fmt.Errorf("%w: truncated payload", ErrMalformed)
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) byte() (byte, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) uint32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *cursor) int32() (int32, error) {
	v, err := c.uint32()
	return int32(v), err
}

func (c *cursor) uint64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (c *cursor) bool() (bool, error) {
	b, err := c.byte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: bool byte 0x%02x", ErrMalformed, b)
	}
}

func (c *cursor) str() (string, error) {
	lb, err := c.take(2)
	if err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(lb))
	if n > MaxStringLen {
		return "", fmt.Errorf("%w: %d bytes", ErrStringTooLong, n)
	}
	b, err := c.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *cursor) done() error {
	if c.off != len(c.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(c.buf)-c.off)
	}
	return nil
}

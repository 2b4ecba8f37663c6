package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the fixed part of every frame header.
	HeaderSize = 8
	// MinDataOffset is the smallest legal data offset, in 4-byte words.
	MinDataOffset uint8 = 2
	// MinMaxFrameSize is the smallest max-frame-size a peer may negotiate.
	MinMaxFrameSize uint32 = 512
)

// Type is the frame type byte.
type Type uint8

const (
	TypeAMQP Type = 0x00
	TypeSASL Type = 0x01
)

func (t Type) String() string {
	switch t {
	case TypeAMQP:
		return "amqp"
	case TypeSASL:
		return "sasl"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

var (
	ErrNeedMoreBytes   = errors.New("frame: need more bytes")
	ErrMalformedHeader = errors.New("frame: malformed header")
	ErrFrameTooLarge   = errors.New("frame: frame too large")
	ErrShortHeader     = errors.New("frame: short fixed header")
)

// Header is the fixed wire header.
type Header struct {
	Size       uint32
	DataOffset uint8
	Type       Type
	Channel    uint16
}

// BodyLen is the number of body bytes that follow the full header.
func (h Header) BodyLen() int {
	return int(h.Size) - int(h.DataOffset)*4
}

// ExtendedLen is the number of extended header bytes to skip.
func (h Header) ExtendedLen() int {
	return (int(h.DataOffset) - int(MinDataOffset)) * 4
}

// Frame is one complete wire frame.
type Frame struct {
	Channel uint16
	Type    Type
	Body    []byte
}

// IsHeartbeat reports whether f carries no body.
func (f Frame) IsHeartbeat() bool {
	return f.Type == TypeAMQP && len(f.Body) == 0
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameSize uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameSize: 1024 * 1024,
	}
}

// MalformedError carries the offending header for protocol-fatal decode failures.
type MalformedError struct {
	Header Header
	Reason string
}

func (e MalformedError) Error() string {
	return fmt.Sprintf("frame: malformed header size=%d doff=%d channel=%d: %s",
		e.Header.Size, e.Header.DataOffset, e.Header.Channel, e.Reason)
}

func (e MalformedError) Unwrap() error { return ErrMalformedHeader }

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Size)
	buf[4] = h.DataOffset
	buf[5] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[6:8], h.Channel)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Size:       binary.BigEndian.Uint32(b[0:4]),
		DataOffset: b[4],
		Type:       Type(b[5]),
		Channel:    binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// Validate checks h against the structural rules and limits.
func (h Header) Validate(limits Limits) error {
	if h.DataOffset < MinDataOffset {
		return MalformedError{Header: h, Reason: "data offset below minimum"}
	}
	if h.BodyLen() < 0 {
		return MalformedError{Header: h, Reason: "negative body size"}
	}
	if limits.MaxFrameSize > 0 && h.Size > limits.MaxFrameSize {
		return fmt.Errorf("%w: size=%d max=%d", ErrFrameTooLarge, h.Size, limits.MaxFrameSize)
	}
	return nil
}

// Encode returns channel and body framed as a single AMQP frame.
func Encode(channel uint16, body []byte) []byte {
	return EncodeFrame(Frame{Channel: channel, Type: TypeAMQP, Body: body})
}

func EncodeFrame(f Frame) []byte {
	h := Header{
		Size:       uint32(HeaderSize + len(f.Body)),
		DataOffset: MinDataOffset,
		Type:       f.Type,
		Channel:    f.Channel,
	}
	buf := make([]byte, 0, int(h.Size))
	buf = append(buf, EncodeHeader(h)...)
	return append(buf, f.Body...)
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	size := uint64(HeaderSize + len(f.Body))
	if limits.MaxFrameSize > 0 && size > uint64(limits.MaxFrameSize) {
		return fmt.Errorf("%w: size=%d max=%d", ErrFrameTooLarge, size, limits.MaxFrameSize)
	}
	_, err := w.Write(EncodeFrame(f))
	return err
}

// ReadFrame reads exactly one frame from a blocking reader.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if err := h.Validate(limits); err != nil {
		return Frame{}, err
	}
	if ext := h.ExtendedLen(); ext > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(ext)); err != nil {
			return Frame{}, err
		}
	}
	body := make([]byte, h.BodyLen())
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Channel: h.Channel, Type: h.Type, Body: body}, nil
}

// Decoder splits a byte stream into frames across partial reads.
// A header consumed by one call is kept until its body is available.
type Decoder struct {
	limits  Limits
	pending *Header
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Pending reports whether a header has been consumed without its body.
func (d *Decoder) Pending() bool { return d.pending != nil }

// Decode consumes one frame from buf or returns ErrNeedMoreBytes. Bytes of a
// frame are only removed from buf once they are part of the returned result
// or the retained header.
func (d *Decoder) Decode(buf *bytes.Buffer) (Frame, error) {
	if d.pending == nil {
		if buf.Len() < HeaderSize {
			return Frame{}, ErrNeedMoreBytes
		}
		h, err := DecodeHeader(buf.Next(HeaderSize))
		if err != nil {
			return Frame{}, err
		}
		if err := h.Validate(d.limits); err != nil {
			return Frame{}, err
		}
		d.pending = &h
	}
	h := *d.pending
	need := h.ExtendedLen() + h.BodyLen()
	if buf.Len() < need {
		return Frame{}, ErrNeedMoreBytes
	}
	buf.Next(h.ExtendedLen())
	body := make([]byte, h.BodyLen())
	copy(body, buf.Next(h.BodyLen()))
	d.pending = nil
	return Frame{Channel: h.Channel, Type: h.Type, Body: body}, nil
}

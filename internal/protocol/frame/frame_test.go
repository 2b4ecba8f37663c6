package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/amqpwire/internal/testutil/testlog"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		channel uint16
		body    []byte
	}{
		{0, []byte{0x11, 0x01}},
		{7, []byte("transfer-payload")},
		{65535, bytes.Repeat([]byte{0xab}, 4096)},
		{3, []byte{}},
	}
	for _, tc := range cases {
		dec := NewDecoder(DefaultLimits())
		buf := bytes.NewBuffer(Encode(tc.channel, tc.body))
		got, err := dec.Decode(buf)
		if err != nil {
			t.Fatalf("decode channel=%d: %v", tc.channel, err)
		}
		if got.Channel != tc.channel || got.Type != TypeAMQP {
			t.Fatalf("header mismatch: got=%+v", got)
		}
		if !bytes.Equal(got.Body, tc.body) {
			t.Fatalf("body mismatch channel=%d", tc.channel)
		}
		if buf.Len() != 0 {
			t.Fatalf("decoder left %d bytes", buf.Len())
		}
	}
}

func TestDecodeEmptyBodyIsHeartbeat(t *testing.T) {
	testlog.Start(t)
	got, err := NewDecoder(DefaultLimits()).Decode(bytes.NewBuffer(Encode(9, nil)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Body) != 0 || !got.IsHeartbeat() {
		t.Fatalf("expected empty body heartbeat, got %+v", got)
	}
}

func TestDecodeNeedMoreBytesForEveryShortPrefix(t *testing.T) {
	testlog.Start(t)
	wire := Encode(4, []byte("hello amqp"))
	for n := 1; n < len(wire); n++ {
		dec := NewDecoder(DefaultLimits())
		_, err := dec.Decode(bytes.NewBuffer(append([]byte(nil), wire[:n]...)))
		if !errors.Is(err, ErrNeedMoreBytes) {
			t.Fatalf("prefix=%d expected ErrNeedMoreBytes, got %v", n, err)
		}
	}
}

func TestDecodeResumesAcrossPartialReads(t *testing.T) {
	testlog.Start(t)
	wire := append(Encode(1, []byte("first")), Encode(2, []byte("second-frame"))...)
	dec := NewDecoder(DefaultLimits())
	var buf bytes.Buffer
	var frames []Frame
	for i := 0; i < len(wire); i += 3 {
		end := i + 3
		if end > len(wire) {
			end = len(wire)
		}
		buf.Write(wire[i:end])
		for {
			f, err := dec.Decode(&buf)
			if errors.Is(err, ErrNeedMoreBytes) {
				break
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			frames = append(frames, f)
		}
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if string(frames[0].Body) != "first" || frames[0].Channel != 1 {
		t.Fatalf("frame0 mismatch: %+v", frames[0])
	}
	if string(frames[1].Body) != "second-frame" || frames[1].Channel != 2 {
		t.Fatalf("frame1 mismatch: %+v", frames[1])
	}
}

func TestDecodeRetainsHeaderWithoutRereading(t *testing.T) {
	testlog.Start(t)
	wire := Encode(5, []byte("abcdef"))
	dec := NewDecoder(DefaultLimits())
	buf := bytes.NewBuffer(append([]byte(nil), wire[:HeaderSize+2]...))
	if _, err := dec.Decode(buf); !errors.Is(err, ErrNeedMoreBytes) {
		t.Fatalf("expected ErrNeedMoreBytes, got %v", err)
	}
	if !dec.Pending() {
		t.Fatalf("header should be retained")
	}
	if buf.Len() != 2 {
		t.Fatalf("header bytes should be consumed, remaining=%d", buf.Len())
	}
	buf.Write(wire[HeaderSize+2:])
	f, err := dec.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(f.Body) != "abcdef" {
		t.Fatalf("body mismatch: %q", f.Body)
	}
}

func TestDecodeSkipsExtendedHeader(t *testing.T) {
	testlog.Start(t)
	h := Header{Size: HeaderSize + 8 + 3, DataOffset: 4, Type: TypeAMQP, Channel: 12}
	wire := append(EncodeHeader(h), 0xde, 0xad, 0xbe, 0xef, 0xde, 0xad, 0xbe, 0xef)
	wire = append(wire, 'x', 'y', 'z')
	f, err := NewDecoder(DefaultLimits()).Decode(bytes.NewBuffer(wire))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(f.Body) != "xyz" || f.Channel != 12 {
		t.Fatalf("unexpected frame %+v", f)
	}

	r, err := ReadFrame(bytes.NewReader(wire), DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(r.Body) != "xyz" {
		t.Fatalf("read frame body mismatch: %q", r.Body)
	}
}

func TestDecodeNegativeBodyIsMalformed(t *testing.T) {
	testlog.Start(t)
	h := Header{Size: 10, DataOffset: 4, Type: TypeAMQP}
	_, err := NewDecoder(DefaultLimits()).Decode(bytes.NewBuffer(EncodeHeader(h)))
	if !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
	var malformed MalformedError
	if !errors.As(err, &malformed) || malformed.Header.Size != 10 {
		t.Fatalf("expected MalformedError with header, got %v", err)
	}
}

func TestDecodeDataOffsetBelowMinimum(t *testing.T) {
	testlog.Start(t)
	h := Header{Size: HeaderSize, DataOffset: 1}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxFrameSize: MinMaxFrameSize}
	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{Body: make([]byte, MinMaxFrameSize)}, limits)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on write, got %v", err)
	}
	h := Header{Size: MinMaxFrameSize + 1, DataOffset: MinDataOffset}
	_, err = NewDecoder(limits).Decode(bytes.NewBuffer(EncodeHeader(h)))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on decode, got %v", err)
	}
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	in := Frame{Channel: 42, Type: TypeSASL, Body: []byte("sasl-init")}
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Channel != 42 || out.Type != TypeSASL || string(out.Body) != "sasl-init" {
		t.Fatalf("frame mismatch: %+v", out)
	}
}

func TestReadFrameShortHeader(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 1}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

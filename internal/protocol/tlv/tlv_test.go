package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "link-1"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestTypedAccessors(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		U8(1, 7), U16(2, 65000), U32(3, 1<<30), U64(4, 1<<60), Bool(5, true), String(6, "queue://a"),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, err := fields[0].AsU8(); err != nil || v != 7 {
		t.Fatalf("u8 got=%d err=%v", v, err)
	}
	if v, err := fields[1].AsU16(); err != nil || v != 65000 {
		t.Fatalf("u16 got=%d err=%v", v, err)
	}
	if v, err := fields[2].AsU32(); err != nil || v != 1<<30 {
		t.Fatalf("u32 got=%d err=%v", v, err)
	}
	if v, err := fields[3].AsU64(); err != nil || v != 1<<60 {
		t.Fatalf("u64 got=%d err=%v", v, err)
	}
	if v, err := fields[4].AsBool(); err != nil || !v {
		t.Fatalf("bool got=%v err=%v", v, err)
	}
	if v, err := fields[5].AsString(); err != nil || v != "queue://a" {
		t.Fatalf("string got=%q err=%v", v, err)
	}
	if _, err := fields[5].AsU32(); err == nil {
		t.Fatalf("expected type mismatch")
	}
}

func TestAccessorRejectsBadLength(t *testing.T) {
	f := Field{ID: 1, Type: TypeU32, Value: []byte{1, 2}}
	if _, err := f.AsU32(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	b := Field{ID: 2, Type: TypeBool, Value: []byte{2}}
	if _, err := b.AsBool(); !errors.Is(err, ErrInvalidBool) {
		t.Fatalf("expected ErrInvalidBool, got %v", err)
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsPreservesUnknownAndRepeated(t *testing.T) {
	in := []Field{
		String(205, "peer.a"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
		String(205, "peer.b"),
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
	members := GetFields(out, 205)
	if len(members) != 2 || string(members[0].Value) != "peer.a" || string(members[1].Value) != "peer.b" {
		t.Fatalf("repeated fields out of order: %+v", members)
	}
}

func TestNumericConstructors(t *testing.T) {
	v64, err := U64FromBytes(U64(1, 1700000000123).Value)
	if err != nil || v64 != 1700000000123 {
		t.Fatalf("u64 got=%d err=%v", v64, err)
	}
	v32, err := U32FromBytes(U32(1, 7).Value)
	if err != nil || v32 != 7 {
		t.Fatalf("u32 got=%d err=%v", v32, err)
	}
	v8, err := U8FromBytes(U8(1, 2).Value)
	if err != nil || v8 != 2 {
		t.Fatalf("u8 got=%d err=%v", v8, err)
	}
	if _, err := U64FromBytes([]byte{1, 2}); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestBytesCopiesInput(t *testing.T) {
	src := []byte{1, 2, 3}
	f := Bytes(4, src)
	src[0] = 9
	if f.Value[0] != 1 {
		t.Fatalf("field aliases caller buffer")
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

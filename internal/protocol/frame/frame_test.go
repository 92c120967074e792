package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/peerlink/internal/protocol/tlv"
	"github.com/danmuck/peerlink/internal/testutil/testlog"
)

func TestReadWriteFrame(t *testing.T) {
	testlog.Start(t)
	payload := tlv.EncodeFields([]tlv.Field{tlv.String(1, "peer.a")})
	in := Frame{
		Header:  Header{Magic: Magic, Version: Version, Flags: FlagIsResponse, MessageID: 42, MessageType: 2},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != HeaderLen+len(payload) {
		t.Fatalf("frame length got=%d", buf.Len())
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	h := out.Header
	if h.MessageType != 2 || h.MessageID != 42 || h.Flags != FlagIsResponse || h.PayloadLen != uint32(len(payload)) {
		t.Fatalf("header got=%+v", h)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameShortInput(t *testing.T) {
	testlog.Start(t)
	if _, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits()); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got=%v", err)
	}

	var hb [HeaderLen]byte
	EncodeHeader(hb[:], Header{Magic: Magic, Version: Version, PayloadLen: 10})
	truncated := append(hb[:], 'a', 'b')
	if _, err := ReadFrame(bytes.NewReader(truncated), DefaultLimits()); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got=%v", err)
	}
}

func TestReadFrameRejectsForeignHeader(t *testing.T) {
	testlog.Start(t)
	var hb [HeaderLen]byte
	EncodeHeader(hb[:], Header{Magic: 0x16030100, Version: Version})
	if _, err := ReadFrame(bytes.NewReader(hb[:]), DefaultLimits()); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got=%v", err)
	}
	EncodeHeader(hb[:], Header{Magic: Magic, Version: 9})
	if _, err := ReadFrame(bytes.NewReader(hb[:]), DefaultLimits()); !errors.Is(err, ErrUnsupportedVer) {
		t.Fatalf("expected ErrUnsupportedVer, got=%v", err)
	}
}

func TestPayloadLimits(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayloadBytes: 4}
	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{Header: Header{Magic: Magic, Version: Version}, Payload: []byte("12345")}, limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got=%v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("wrote %d bytes on limit failure", buf.Len())
	}

	var hb [HeaderLen]byte
	EncodeHeader(hb[:], Header{Magic: Magic, Version: Version, PayloadLen: 5})
	if _, err := ReadFrame(bytes.NewReader(hb[:]), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected read side ErrPayloadTooLarge, got=%v", err)
	}
}

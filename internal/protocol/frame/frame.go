// Package frame delimits peerlink control messages on a byte stream.
//
// Every frame is a fixed 24 byte big-endian header followed by the payload:
//
//	magic u32 | version u16 | flags u16 | message_type u32 | message_id u64 | payload_len u32
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic is "PLNK" in ASCII.
	Magic     uint32 = 0x504C4E4B
	Version   uint16 = 1
	HeaderLen        = 24

	FlagIsResponse uint16 = 0x01
	FlagIsError    uint16 = 0x02
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrShortPayload    = errors.New("frame: short payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrInvalidMagic    = errors.New("frame: invalid magic")
	ErrUnsupportedVer  = errors.New("frame: unsupported version")
)

// Header is the fixed wire header. PayloadLen is filled in by WriteFrame.
type Header struct {
	Magic       uint32
	Version     uint16
	Flags       uint16
	MessageType uint32
	MessageID   uint64
	PayloadLen  uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits bounds the memory one frame may claim.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 1024 * 1024}
}

// Validate checks the peerlink magic and version.
func (h Header) Validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: %#x", ErrInvalidMagic, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVer, h.Version)
	}
	return nil
}

// ReadFrame reads one frame. A header failing Validate is reported before
// any payload is read.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h := DecodeHeader(hb)
	if err := h.Validate(); err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortPayload
		}
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes f with a single Write call so concurrent writers that
// serialize on the writer never interleave partial frames.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), limits.MaxPayloadBytes)
	}
	h := f.Header
	h.PayloadLen = uint32(len(f.Payload))
	buf := make([]byte, HeaderLen, HeaderLen+len(f.Payload))
	EncodeHeader(buf, h)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

// EncodeHeader writes h into the first HeaderLen bytes of dst.
func EncodeHeader(dst []byte, h Header) {
	binary.BigEndian.PutUint32(dst[0:4], h.Magic)
	binary.BigEndian.PutUint16(dst[4:6], h.Version)
	binary.BigEndian.PutUint16(dst[6:8], h.Flags)
	binary.BigEndian.PutUint32(dst[8:12], h.MessageType)
	binary.BigEndian.PutUint64(dst[12:20], h.MessageID)
	binary.BigEndian.PutUint32(dst[20:24], h.PayloadLen)
}

func DecodeHeader(b [HeaderLen]byte) Header {
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		Flags:       binary.BigEndian.Uint16(b[6:8]),
		MessageType: binary.BigEndian.Uint32(b[8:12]),
		MessageID:   binary.BigEndian.Uint64(b[12:20]),
		PayloadLen:  binary.BigEndian.Uint32(b[20:24]),
	}
}

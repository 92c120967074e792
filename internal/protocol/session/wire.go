package session

import (
	"bytes"
	"io"

	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/protocol/frame"
	"github.com/danmuck/peerlink/internal/protocol/schema"
	"github.com/danmuck/peerlink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// EncodePayload validates m and renders its TLV payload.
func EncodePayload(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	fields := messageFields(m)
	if err := schema.Validate(m.Type, fields); err != nil {
		return nil, err
	}
	return tlv.EncodeFields(fields), nil
}

// DecodePayload parses a TLV payload of messageType into a Message.
func DecodePayload(messageType uint32, payload []byte) (Message, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return Message{}, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return Message{}, err
	}
	m, err := messageFromFields(messageType, fields)
	if err != nil {
		return Message{}, err
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// EncodeFrame renders m as one complete frame.
func EncodeFrame(messageID uint64, m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, messageID, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFrame checks the frame header and decodes its payload.
func DecodeFrame(f frame.Frame) (Message, error) {
	if err := f.Header.Validate(); err != nil {
		return Message{}, err
	}
	return DecodePayload(f.Header.MessageType, f.Payload)
}

// WriteMessage frames m onto w.
func WriteMessage(w io.Writer, messageID uint64, m Message) error {
	payload, err := EncodePayload(m)
	if err != nil {
		log.Error().Err(err).Msgf("session.WriteMessage encode failed message_type=%d", m.Type)
		return err
	}
	var flags uint16
	if m.IsResponse() {
		flags |= frame.FlagIsResponse
	}
	return frame.WriteFrame(w, frame.Frame{
		Header: frame.Header{
			Magic:       frame.Magic,
			Version:     frame.Version,
			MessageID:   messageID,
			MessageType: m.Type,
			Flags:       flags,
		},
		Payload: payload,
	}, frame.DefaultLimits())
}

// ReadMessage reads and decodes one framed message from r.
func ReadMessage(r io.Reader, limits frame.Limits) (uint64, Message, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return 0, Message{}, err
	}
	m, err := DecodeFrame(f)
	if err != nil {
		log.Error().Err(err).Msgf(
			"session.ReadMessage decode failed message_id=%d message_type=%d",
			f.Header.MessageID,
			f.Header.MessageType,
		)
		return f.Header.MessageID, Message{}, err
	}
	return f.Header.MessageID, m, nil
}

func messageFields(m Message) []tlv.Field {
	switch m.Type {
	case schema.MsgRegister, schema.MsgConnect:
		h := m.Handshake
		fields := []tlv.Field{
			tlv.String(schema.FieldLocalID, h.LocalID.String()),
			tlv.String(schema.FieldRemoteID, h.RemoteID.String()),
			tlv.Bytes(schema.FieldPublicKey, h.PublicKey),
		}
		if h.Alias != "" {
			fields = append(fields, tlv.String(schema.FieldAlias, h.Alias))
		}
		return fields
	case schema.MsgRegisterAck, schema.MsgConnectAck:
		a := m.Ack
		fields := []tlv.Field{
			tlv.String(schema.FieldAckStatus, a.Status),
			tlv.U32(schema.FieldAckCode, a.Code),
			tlv.String(schema.FieldRemoteID, a.RemoteID.String()),
			tlv.U64(schema.FieldTimestampMS, a.TimestampMS),
		}
		if a.Message != "" {
			fields = append(fields, tlv.String(schema.FieldAckMessage, a.Message))
		}
		if a.CID != 0 {
			fields = append(fields, tlv.U64(schema.FieldCID, a.CID))
		}
		if len(a.PublicKey) > 0 {
			fields = append(fields, tlv.Bytes(schema.FieldPublicKey, a.PublicKey))
		}
		return fields
	case schema.MsgGroupInit:
		g := m.GroupInit
		fields := []tlv.Field{
			tlv.U64(schema.FieldRequestID, g.RequestID),
			tlv.U8(schema.FieldRequestType, uint8(g.Type)),
			tlv.String(schema.FieldGroup, g.Group),
			tlv.String(schema.FieldCandidateID, g.Candidate.String()),
		}
		if !g.Owner.IsZero() {
			fields = append(fields, tlv.String(schema.FieldOwnerID, g.Owner.String()))
		}
		if g.Alias != "" {
			fields = append(fields, tlv.String(schema.FieldAlias, g.Alias))
		}
		if g.Addr != "" {
			fields = append(fields, tlv.String(schema.FieldPeerAddr, g.Addr))
		}
		return fields
	case schema.MsgGroupInitAck:
		a := m.GroupAck
		fields := []tlv.Field{
			tlv.U64(schema.FieldRequestID, a.RequestID),
			tlv.String(schema.FieldAckStatus, a.Status),
			tlv.U32(schema.FieldAckCode, a.Code),
			tlv.String(schema.FieldGroup, a.Group),
			tlv.String(schema.FieldOwnerID, a.Owner.String()),
		}
		if a.Reason != "" {
			fields = append(fields, tlv.String(schema.FieldReason, a.Reason))
		}
		for _, member := range a.Members {
			fields = append(fields, tlv.String(schema.FieldMember, member.String()))
		}
		return fields
	case schema.MsgPeerIntro:
		p := m.Intro
		fields := []tlv.Field{
			tlv.String(schema.FieldGroup, p.Group),
			tlv.String(schema.FieldPeerID, p.PeerID.String()),
			tlv.String(schema.FieldIntroducedBy, p.IntroducedBy.String()),
		}
		if p.Alias != "" {
			fields = append(fields, tlv.String(schema.FieldAlias, p.Alias))
		}
		if p.Addr != "" {
			fields = append(fields, tlv.String(schema.FieldPeerAddr, p.Addr))
		}
		return fields
	case schema.MsgDisconnect:
		return []tlv.Field{tlv.String(schema.FieldReason, m.Disconnect.Reason)}
	case schema.MsgSealed:
		return []tlv.Field{
			tlv.Bytes(schema.FieldNonce, m.Sealed.Nonce),
			tlv.Bytes(schema.FieldCiphertext, m.Sealed.Ciphertext),
		}
	}
	return nil
}

func messageFromFields(messageType uint32, fields []tlv.Field) (Message, error) {
	switch messageType {
	case schema.MsgRegister, schema.MsgConnect:
		h := Handshake{
			LocalID:   identity.ID(stringField(fields, schema.FieldLocalID)),
			RemoteID:  identity.ID(stringField(fields, schema.FieldRemoteID)),
			Alias:     stringField(fields, schema.FieldAlias),
			PublicKey: bytesField(fields, schema.FieldPublicKey),
		}
		return Message{Type: messageType, Handshake: &h}, nil
	case schema.MsgRegisterAck, schema.MsgConnectAck:
		code, err := u32Field(fields, schema.FieldAckCode)
		if err != nil {
			return Message{}, err
		}
		ts, err := u64Field(fields, schema.FieldTimestampMS)
		if err != nil {
			return Message{}, err
		}
		cid, err := u64Field(fields, schema.FieldCID)
		if err != nil {
			return Message{}, err
		}
		a := HandshakeAck{
			Status:      stringField(fields, schema.FieldAckStatus),
			Code:        code,
			Message:     stringField(fields, schema.FieldAckMessage),
			RemoteID:    identity.ID(stringField(fields, schema.FieldRemoteID)),
			CID:         cid,
			PublicKey:   bytesField(fields, schema.FieldPublicKey),
			TimestampMS: ts,
		}
		return Message{Type: messageType, Ack: &a}, nil
	case schema.MsgGroupInit:
		reqID, err := u64Field(fields, schema.FieldRequestID)
		if err != nil {
			return Message{}, err
		}
		typeField, _ := tlv.GetField(fields, schema.FieldRequestType)
		reqType, err := tlv.U8FromBytes(typeField.Value)
		if err != nil {
			return Message{}, err
		}
		g := GroupInit{
			RequestID: reqID,
			Type:      GroupInitRequestType(reqType),
			Group:     stringField(fields, schema.FieldGroup),
			Owner:     identity.ID(stringField(fields, schema.FieldOwnerID)),
			Candidate: identity.ID(stringField(fields, schema.FieldCandidateID)),
			Alias:     stringField(fields, schema.FieldAlias),
			Addr:      stringField(fields, schema.FieldPeerAddr),
		}
		return Message{Type: messageType, GroupInit: &g}, nil
	case schema.MsgGroupInitAck:
		reqID, err := u64Field(fields, schema.FieldRequestID)
		if err != nil {
			return Message{}, err
		}
		code, err := u32Field(fields, schema.FieldAckCode)
		if err != nil {
			return Message{}, err
		}
		a := GroupInitAck{
			RequestID: reqID,
			Status:    stringField(fields, schema.FieldAckStatus),
			Code:      code,
			Reason:    stringField(fields, schema.FieldReason),
			Group:     stringField(fields, schema.FieldGroup),
			Owner:     identity.ID(stringField(fields, schema.FieldOwnerID)),
		}
		for _, f := range tlv.GetFields(fields, schema.FieldMember) {
			a.Members = append(a.Members, identity.ID(f.Value))
		}
		return Message{Type: messageType, GroupAck: &a}, nil
	case schema.MsgPeerIntro:
		p := PeerIntro{
			Group:        stringField(fields, schema.FieldGroup),
			PeerID:       identity.ID(stringField(fields, schema.FieldPeerID)),
			Alias:        stringField(fields, schema.FieldAlias),
			Addr:         stringField(fields, schema.FieldPeerAddr),
			IntroducedBy: identity.ID(stringField(fields, schema.FieldIntroducedBy)),
		}
		return Message{Type: messageType, Intro: &p}, nil
	case schema.MsgDisconnect:
		return DisconnectMessage(stringField(fields, schema.FieldReason)), nil
	case schema.MsgSealed:
		return SealedMessage(Sealed{
			Nonce:      bytesField(fields, schema.FieldNonce),
			Ciphertext: bytesField(fields, schema.FieldCiphertext),
		}), nil
	}
	return Message{}, schema.ValidationError{MessageType: messageType, Reason: "unknown message_type"}
}

func stringField(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func bytesField(fields []tlv.Field, id uint16) []byte {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return nil
	}
	return f.Value
}

// u32Field returns 0 for an absent optional field.
func u32Field(fields []tlv.Field, id uint16) (uint32, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, nil
	}
	return tlv.U32FromBytes(f.Value)
}

func u64Field(fields []tlv.Field, id uint16) (uint64, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, nil
	}
	return tlv.U64FromBytes(f.Value)
}

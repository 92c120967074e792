package schema

import (
	"fmt"

	"github.com/danmuck/peerlink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in frame headers.
const (
	MsgRegister     uint32 = 1
	MsgRegisterAck  uint32 = 2
	MsgConnect      uint32 = 3
	MsgConnectAck   uint32 = 4
	MsgGroupInit    uint32 = 5
	MsgGroupInitAck uint32 = 6
	MsgPeerIntro    uint32 = 7
	MsgDisconnect   uint32 = 8
	MsgSealed       uint32 = 9
)

// Field IDs.
const (
	FieldLocalID   uint16 = 1
	FieldRemoteID  uint16 = 2
	FieldAlias     uint16 = 3
	FieldPublicKey uint16 = 4
	FieldCID       uint16 = 5

	FieldAckStatus   uint16 = 100
	FieldAckCode     uint16 = 101
	FieldAckMessage  uint16 = 102
	FieldTimestampMS uint16 = 103

	FieldRequestID   uint16 = 200
	FieldRequestType uint16 = 201
	FieldGroup       uint16 = 202
	FieldOwnerID     uint16 = 203
	FieldCandidateID uint16 = 204
	FieldMember      uint16 = 205

	FieldPeerID       uint16 = 300
	FieldPeerAddr     uint16 = 301
	FieldIntroducedBy uint16 = 302

	FieldReason uint16 = 400

	FieldNonce      uint16 = 500
	FieldCiphertext uint16 = 501
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var handshakeAck = []Requirement{
	{FieldAckStatus, tlv.TypeString},
	{FieldAckCode, tlv.TypeU32},
	{FieldRemoteID, tlv.TypeString},
	{FieldTimestampMS, tlv.TypeU64},
}

var requirements = map[uint32][]Requirement{
	MsgRegister: {
		{FieldLocalID, tlv.TypeString},
		{FieldRemoteID, tlv.TypeString},
		{FieldPublicKey, tlv.TypeBytes},
	},
	MsgRegisterAck: handshakeAck,
	MsgConnect: {
		{FieldLocalID, tlv.TypeString},
		{FieldRemoteID, tlv.TypeString},
		{FieldPublicKey, tlv.TypeBytes},
	},
	MsgConnectAck: handshakeAck,
	MsgGroupInit: {
		{FieldRequestID, tlv.TypeU64},
		{FieldRequestType, tlv.TypeU8},
		{FieldGroup, tlv.TypeString},
		{FieldCandidateID, tlv.TypeString},
	},
	MsgGroupInitAck: {
		{FieldRequestID, tlv.TypeU64},
		{FieldAckStatus, tlv.TypeString},
		{FieldGroup, tlv.TypeString},
		{FieldOwnerID, tlv.TypeString},
	},
	MsgPeerIntro: {
		{FieldGroup, tlv.TypeString},
		{FieldPeerID, tlv.TypeString},
		{FieldIntroducedBy, tlv.TypeString},
	},
	MsgDisconnect: {
		{FieldReason, tlv.TypeString},
	},
	MsgSealed: {
		{FieldNonce, tlv.TypeBytes},
		{FieldCiphertext, tlv.TypeBytes},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Msgf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Msgf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().Msgf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
				messageType,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Msgf("schema.Validate ok message_type=%d", messageType)
	return nil
}

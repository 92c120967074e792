package schema

import (
	"testing"

	"github.com/danmuck/peerlink/internal/protocol/tlv"
	"github.com/danmuck/peerlink/internal/testutil/testlog"
)

func registerFields() []tlv.Field {
	return []tlv.Field{
		{ID: FieldLocalID, Type: tlv.TypeString, Value: []byte("peer.a")},
		{ID: FieldRemoteID, Type: tlv.TypeString, Value: []byte("server.alpha")},
		{ID: FieldPublicKey, Type: tlv.TypeBytes, Value: make([]byte, 32)},
	}
}

func TestValidateRegisterRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgRegister, registerFields()); err != nil {
		t.Fatalf("validate register: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(registerFields(), tlv.Field{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}})
	if err := Validate(MsgRegister, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{{ID: FieldLocalID, Type: tlv.TypeString, Value: []byte("peer.a")}}
	err := Validate(MsgConnect, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldRemoteID || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		{ID: FieldRequestID, Type: tlv.TypeString, Value: []byte("7")},
		{ID: FieldRequestType, Type: tlv.TypeU8, Value: []byte{1}},
		{ID: FieldGroup, Type: tlv.TypeString, Value: []byte("lobby")},
		{ID: FieldCandidateID, Type: tlv.TypeString, Value: []byte("peer.b")},
	}
	err := Validate(MsgGroupInit, fields)
	ve, ok := err.(ValidationError)
	if !ok || ve.FieldID != FieldRequestID || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(4040, nil)
	ve, ok := err.(ValidationError)
	if !ok || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected error: %v", err)
	}
}

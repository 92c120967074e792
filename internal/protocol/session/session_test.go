package session

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/protocol/frame"
	"github.com/danmuck/peerlink/internal/protocol/schema"
	"github.com/danmuck/peerlink/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestRegisterHandshakeRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := RegisterMessage(Handshake{
		LocalID:   "peer.a",
		RemoteID:  "server.alpha",
		Alias:     "alice",
		PublicKey: bytes.Repeat([]byte{7}, 32),
	})
	var buf bytes.Buffer
	if err := WriteMessage(&buf, 1, in); err != nil {
		t.Fatalf("write register: %v", err)
	}
	id, got, err := ReadMessage(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read register: %v", err)
	}
	if id != 1 || got.Type != schema.MsgRegister || got.Handshake == nil {
		t.Fatalf("unexpected message id=%d got=%+v", id, got)
	}
	if got.Handshake.LocalID != "peer.a" || got.Handshake.Alias != "alice" || len(got.Handshake.PublicKey) != 32 {
		t.Fatalf("unexpected handshake: %+v", got.Handshake)
	}
}

func TestHandshakeAckCarriesCodeAndCID(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeFrame(2, AckMessage(schema.MsgRegister, HandshakeAck{
		Status:      AckStatusAccepted,
		Code:        AckCodeOK,
		RemoteID:    "server.alpha",
		CID:         41,
		PublicKey:   bytes.Repeat([]byte{1}, 32),
		TimestampMS: 1700000000000,
	}))
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	fr, err := frame.ReadFrame(bytes.NewReader(raw), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if fr.Header.Flags&frame.FlagIsResponse == 0 {
		t.Fatalf("ack frame should carry the response flag")
	}
	got, err := DecodeFrame(fr)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if got.Type != schema.MsgRegisterAck || !got.Ack.Accepted() || got.Ack.CID != 41 {
		t.Fatalf("unexpected ack: %+v", got.Ack)
	}
}

func TestRejectedAckNeedsNoPublicKey(t *testing.T) {
	testlog.Start(t)
	ack := HandshakeAck{
		Status:      AckStatusRejected,
		Code:        AckCodeAlreadyRegistered,
		Message:     "peer.a already registered",
		RemoteID:    "server.alpha",
		TimestampMS: 1,
	}
	if err := ack.Validate(); err != nil {
		t.Fatalf("rejected ack should validate: %v", err)
	}
	ack.Status = AckStatusAccepted
	if err := ack.Validate(); !errors.Is(err, ErrInvalidHandshakeAck) {
		t.Fatalf("expected ErrInvalidHandshakeAck, got %v", err)
	}
}

func TestGroupInitRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := GroupInitMessage(GroupInit{
		RequestID: 9,
		Type:      GroupInitJoin,
		Group:     "lobby",
		Owner:     "peer.owner",
		Candidate: "peer.b",
		Addr:      "127.0.0.1:7001",
	})
	payload, err := EncodePayload(in)
	if err != nil {
		t.Fatalf("encode group init: %v", err)
	}
	got, err := DecodePayload(schema.MsgGroupInit, payload)
	if err != nil {
		t.Fatalf("decode group init: %v", err)
	}
	if *got.GroupInit != *in.GroupInit {
		t.Fatalf("group init mismatch got=%+v want=%+v", got.GroupInit, in.GroupInit)
	}
	if got.GroupInit.Type.String() != "join" {
		t.Fatalf("unexpected request type string: %s", got.GroupInit.Type)
	}
}

func TestGroupInitLeaveIsWireOnly(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodePayload(GroupInitMessage(GroupInit{
		RequestID: 3,
		Type:      GroupInitLeave,
		Group:     "lobby",
		Owner:     "peer.owner",
		Candidate: "peer.a",
	}))
	if err != nil {
		t.Fatalf("encode leave: %v", err)
	}
	got, err := DecodePayload(schema.MsgGroupInit, payload)
	if err != nil {
		t.Fatalf("decode leave: %v", err)
	}
	if got.GroupInit.Type != GroupInitLeave || got.GroupInit.Type.String() != "leave" {
		t.Fatalf("unexpected request type got=%s", got.GroupInit.Type)
	}
	if _, err := ParseGroupInitRequestType("leave"); !errors.Is(err, ErrInvalidGroupInit) {
		t.Fatalf("leave parsed as a kernel request err=%v", err)
	}
}

func TestGroupInitRejectsUnknownRequestType(t *testing.T) {
	testlog.Start(t)
	_, err := EncodePayload(GroupInitMessage(GroupInit{
		RequestID: 1,
		Type:      GroupInitRequestType(7),
		Group:     "lobby",
		Candidate: "peer.b",
	}))
	if !errors.Is(err, ErrInvalidGroupInit) {
		t.Fatalf("expected ErrInvalidGroupInit, got %v", err)
	}
}

func TestGroupInitAckKeepsRosterOrder(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodePayload(GroupInitAckMessage(GroupInitAck{
		RequestID: 3,
		Status:    AckStatusAccepted,
		Group:     "lobby",
		Owner:     "peer.owner",
		Members:   []identity.ID{"peer.a", "peer.b", "peer.c"},
	}))
	if err != nil {
		t.Fatalf("encode group ack: %v", err)
	}
	got, err := DecodePayload(schema.MsgGroupInitAck, payload)
	if err != nil {
		t.Fatalf("decode group ack: %v", err)
	}
	if len(got.GroupAck.Members) != 3 || got.GroupAck.Members[1] != "peer.b" {
		t.Fatalf("unexpected roster: %v", got.GroupAck.Members)
	}
}

func TestDecodePayloadRejectsMissingFields(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodePayload(PeerIntroMessage(PeerIntro{Group: "lobby", PeerID: "peer.a", IntroducedBy: "peer.owner"}))
	if err != nil {
		t.Fatalf("encode intro: %v", err)
	}
	if _, err := DecodePayload(schema.MsgGroupInit, payload); err == nil {
		t.Fatalf("expected schema error decoding intro as group init")
	}
}

func TestDecodeFrameRejectsForeignMagic(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFrame(frame.Frame{Header: frame.Header{Magic: 0xEDCE1001, Version: frame.Version}})
	if !errors.Is(err, frame.ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestWithDefaultsFillsZeroDurations(t *testing.T) {
	testlog.Start(t)
	cfg := Config{IntentTimeout: time.Second}.WithDefaults()
	if cfg.IntentTimeout != time.Second {
		t.Fatalf("explicit intent timeout overwritten got=%v", cfg.IntentTimeout)
	}
	if cfg.JoinTimeout != DefaultConfig().JoinTimeout || cfg.Backoff.InitialDelay == 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.SecurityMode != SecurityModeDevelopment {
		t.Fatalf("unexpected security mode: %q", cfg.SecurityMode)
	}
}

func TestClientTLSDisabledReturnsNil(t *testing.T) {
	testlog.Start(t)
	tlsCfg, err := DefaultConfig().ClientTLS()
	if err != nil || tlsCfg != nil {
		t.Fatalf("expected nil tls config got=%v err=%v", tlsCfg, err)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

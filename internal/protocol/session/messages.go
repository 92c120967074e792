package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/protocol/schema"
)

const (
	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

// Ack codes carried by handshake and group acks.
const (
	AckCodeOK                uint32 = 0
	AckCodeInvalid           uint32 = 400
	AckCodeRejected          uint32 = 403
	AckCodeUnknownAccount    uint32 = 404
	AckCodeAlreadyRegistered uint32 = 409
	AckCodeUnavailable       uint32 = 503
)

var (
	ErrInvalidHandshake    = errors.New("session: invalid handshake")
	ErrInvalidHandshakeAck = errors.New("session: invalid handshake ack")
	ErrInvalidGroupInit    = errors.New("session: invalid group init")
	ErrInvalidGroupInitAck = errors.New("session: invalid group init ack")
	ErrInvalidPeerIntro    = errors.New("session: invalid peer intro")
	ErrEmptyMessage        = errors.New("session: message has no body")
)

// Handshake opens a register or connect exchange.
type Handshake struct {
	LocalID   identity.ID
	RemoteID  identity.ID
	Alias     string
	PublicKey []byte
}

func (h Handshake) Validate() error {
	if h.LocalID.IsZero() {
		return fmt.Errorf("%w: missing local_id", ErrInvalidHandshake)
	}
	if h.RemoteID.IsZero() {
		return fmt.Errorf("%w: missing remote_id", ErrInvalidHandshake)
	}
	if len(h.PublicKey) == 0 {
		return fmt.Errorf("%w: missing public_key", ErrInvalidHandshake)
	}
	return nil
}

// HandshakeAck answers a Handshake. RemoteID is the answering identity.
type HandshakeAck struct {
	Status      string
	Code        uint32
	Message     string
	RemoteID    identity.ID
	CID         uint64
	PublicKey   []byte
	TimestampMS uint64
}

func (a HandshakeAck) Accepted() bool {
	return a.Status == AckStatusAccepted && a.Code == AckCodeOK
}

func (a HandshakeAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHandshakeAck)
	}
	if a.RemoteID.IsZero() {
		return fmt.Errorf("%w: missing remote_id", ErrInvalidHandshakeAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHandshakeAck)
	}
	if status == AckStatusAccepted && len(a.PublicKey) == 0 {
		return fmt.Errorf("%w: accepted ack missing public_key", ErrInvalidHandshakeAck)
	}
	return nil
}

// GroupInitRequestType tags a group intent as a create, a join or a leave.
type GroupInitRequestType uint8

const (
	GroupInitCreate GroupInitRequestType = 1
	GroupInitJoin   GroupInitRequestType = 2
	GroupInitLeave  GroupInitRequestType = 3
)

func (t GroupInitRequestType) String() string {
	switch t {
	case GroupInitCreate:
		return "create"
	case GroupInitJoin:
		return "join"
	case GroupInitLeave:
		return "leave"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t GroupInitRequestType) Valid() bool {
	return t == GroupInitCreate || t == GroupInitJoin || t == GroupInitLeave
}

// ParseGroupInitRequestType accepts "create" or "join", the requests a kernel
// can open with.
func ParseGroupInitRequestType(raw string) (GroupInitRequestType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "create":
		return GroupInitCreate, nil
	case "join":
		return GroupInitJoin, nil
	}
	return 0, fmt.Errorf("%w: request type %q", ErrInvalidGroupInit, raw)
}

// GroupInit asks a group owner to create, admit into or release from a group.
type GroupInit struct {
	RequestID uint64
	Type      GroupInitRequestType
	Group     string
	Owner     identity.ID
	Candidate identity.ID
	Alias     string
	Addr      string
}

func (g GroupInit) Validate() error {
	if g.RequestID == 0 {
		return fmt.Errorf("%w: missing request_id", ErrInvalidGroupInit)
	}
	if !g.Type.Valid() {
		return fmt.Errorf("%w: request_type=%s", ErrInvalidGroupInit, g.Type)
	}
	if strings.TrimSpace(g.Group) == "" {
		return fmt.Errorf("%w: missing group", ErrInvalidGroupInit)
	}
	if g.Candidate.IsZero() {
		return fmt.Errorf("%w: missing candidate_id", ErrInvalidGroupInit)
	}
	return nil
}

// GroupInitAck answers a GroupInit with the roster at admission time.
type GroupInitAck struct {
	RequestID uint64
	Status    string
	Code      uint32
	Reason    string
	Group     string
	Owner     identity.ID
	Members   []identity.ID
}

func (a GroupInitAck) Accepted() bool {
	return a.Status == AckStatusAccepted
}

func (a GroupInitAck) Validate() error {
	if a.RequestID == 0 {
		return fmt.Errorf("%w: missing request_id", ErrInvalidGroupInitAck)
	}
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidGroupInitAck)
	}
	if strings.TrimSpace(a.Group) == "" {
		return fmt.Errorf("%w: missing group", ErrInvalidGroupInitAck)
	}
	if a.Owner.IsZero() {
		return fmt.Errorf("%w: missing owner_id", ErrInvalidGroupInitAck)
	}
	return nil
}

// PeerIntro is relayed by a group owner to introduce one member to another.
type PeerIntro struct {
	Group        string
	PeerID       identity.ID
	Alias        string
	Addr         string
	IntroducedBy identity.ID
}

func (p PeerIntro) Validate() error {
	if strings.TrimSpace(p.Group) == "" {
		return fmt.Errorf("%w: missing group", ErrInvalidPeerIntro)
	}
	if p.PeerID.IsZero() {
		return fmt.Errorf("%w: missing peer_id", ErrInvalidPeerIntro)
	}
	if p.IntroducedBy.IsZero() {
		return fmt.Errorf("%w: missing introduced_by", ErrInvalidPeerIntro)
	}
	return nil
}

// Disconnect tells the remote side a session is going away.
type Disconnect struct {
	Reason string
}

// Sealed carries an encrypted control message after key agreement.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
}

// Message is one wire message. Exactly one body is set and Type selects it.
type Message struct {
	Type       uint32
	Handshake  *Handshake
	Ack        *HandshakeAck
	GroupInit  *GroupInit
	GroupAck   *GroupInitAck
	Intro      *PeerIntro
	Disconnect *Disconnect
	Sealed     *Sealed
}

func RegisterMessage(h Handshake) Message {
	return Message{Type: schema.MsgRegister, Handshake: &h}
}

func ConnectMessage(h Handshake) Message {
	return Message{Type: schema.MsgConnect, Handshake: &h}
}

// AckMessage answers a register or connect handshake with the matching ack type.
func AckMessage(requestType uint32, a HandshakeAck) Message {
	t := schema.MsgConnectAck
	if requestType == schema.MsgRegister {
		t = schema.MsgRegisterAck
	}
	return Message{Type: t, Ack: &a}
}

func GroupInitMessage(g GroupInit) Message {
	return Message{Type: schema.MsgGroupInit, GroupInit: &g}
}

func GroupInitAckMessage(a GroupInitAck) Message {
	return Message{Type: schema.MsgGroupInitAck, GroupAck: &a}
}

func PeerIntroMessage(p PeerIntro) Message {
	return Message{Type: schema.MsgPeerIntro, Intro: &p}
}

func DisconnectMessage(reason string) Message {
	return Message{Type: schema.MsgDisconnect, Disconnect: &Disconnect{Reason: reason}}
}

func SealedMessage(s Sealed) Message {
	return Message{Type: schema.MsgSealed, Sealed: &s}
}

// IsResponse reports whether m answers a request.
func (m Message) IsResponse() bool {
	switch m.Type {
	case schema.MsgRegisterAck, schema.MsgConnectAck, schema.MsgGroupInitAck:
		return true
	}
	return false
}

// Validate checks the body selected by Type.
func (m Message) Validate() error {
	switch m.Type {
	case schema.MsgRegister, schema.MsgConnect:
		if m.Handshake == nil {
			return ErrEmptyMessage
		}
		return m.Handshake.Validate()
	case schema.MsgRegisterAck, schema.MsgConnectAck:
		if m.Ack == nil {
			return ErrEmptyMessage
		}
		return m.Ack.Validate()
	case schema.MsgGroupInit:
		if m.GroupInit == nil {
			return ErrEmptyMessage
		}
		return m.GroupInit.Validate()
	case schema.MsgGroupInitAck:
		if m.GroupAck == nil {
			return ErrEmptyMessage
		}
		return m.GroupAck.Validate()
	case schema.MsgPeerIntro:
		if m.Intro == nil {
			return ErrEmptyMessage
		}
		return m.Intro.Validate()
	case schema.MsgDisconnect:
		if m.Disconnect == nil {
			return ErrEmptyMessage
		}
		return nil
	case schema.MsgSealed:
		if m.Sealed == nil {
			return ErrEmptyMessage
		}
		return nil
	}
	return schema.ValidationError{MessageType: m.Type, Reason: "unknown message_type"}
}

// Package transport defines the session collaborator the core drives and
// ships two implementations: an in-process MemoryNetwork used by tests and
// single-process deployments, and a TCP transport with an X25519 handshake.
//
// The core never touches sockets. It asks a Transport to open a session for a
// register or connect intent and receives either an opaque Ref or one of the
// sentinel errors below.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/protocol/session"
)

var (
	ErrRejected          = errors.New("transport: rejected")
	ErrAlreadyRegistered = errors.New("transport: already registered")
	ErrTransport         = errors.New("transport: failure")
	ErrClosed            = errors.New("transport: closed")
	ErrUnknownRef        = errors.New("transport: unknown session ref")
)

// Intent is the reason a session is being opened.
type Intent string

const (
	IntentRegister Intent = "register"
	IntentConnect  Intent = "connect"
)

// Request describes one session-open attempt against a remote identity.
type Request struct {
	Local  identity.ID
	Remote identity.ID
	Alias  string
	Role   identity.Role
	Intent Intent
}

// Ref is the opaque handle of one live transport session. The core stores it
// and hands it back for Send and CloseSession; it never looks inside.
type Ref struct {
	ID       string        `json:"id,omitempty"`
	Remote   identity.ID   `json:"remote,omitempty"`
	Role     identity.Role `json:"role,omitempty"`
	CID      uint64        `json:"cid,omitempty"`
	OpenedAt time.Time     `json:"opened_at"`
}

func (r Ref) IsZero() bool { return r.ID == "" }

// Inbound is emitted when a remote identity opens a session with us.
type Inbound struct {
	Ref    Ref
	Intent Intent
	Alias  string
	Addr   string
}

// SignalKind classifies messages arriving on an established session.
type SignalKind string

const (
	SignalGroupInit    SignalKind = "group.init"
	SignalGroupInitAck SignalKind = "group.init.ack"
	SignalPeerIntro    SignalKind = "peer.intro"
	SignalClosed       SignalKind = "session.closed"
)

// Signal is one control message received over an established session.
type Signal struct {
	Kind      SignalKind
	From      Ref
	GroupInit *session.GroupInit
	GroupAck  *session.GroupInitAck
	Intro     *session.PeerIntro
	Reason    string
}

// Deregisterer is implemented by transports that can remove the account a
// local identity holds on a remote server.
type Deregisterer interface {
	Deregister(ctx context.Context, remote identity.ID) error
}

// PeerBook is implemented by transports that dial identities by address.
type PeerBook interface {
	AddPeer(id identity.ID, addr string)
}

// Transport is the session collaborator consumed by the intent machine and
// the node runtime.
type Transport interface {
	// OpenSession drives the handshake for req and returns the live ref.
	OpenSession(ctx context.Context, req Request) (Ref, error)
	// CloseSession releases ref and notifies the remote side. Closing an
	// unknown or already closed ref is not an error.
	CloseSession(ref Ref) error
	// Send delivers one control message over an established session.
	Send(ctx context.Context, ref Ref, msg session.Message) error
	// Inbound yields sessions opened by remote identities.
	Inbound() <-chan Inbound
	// Signals yields control messages received on established sessions.
	Signals() <-chan Signal
	// Addr is the address other identities reach this transport on.
	Addr() string
	Close() error
}

// RejectError carries the remote side's rejection reason.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	if e.Reason == "" {
		return ErrRejected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrRejected.Error(), e.Reason)
}

func (e *RejectError) Is(target error) bool {
	return target == ErrRejected
}

// Reject builds a RejectError for reason.
func Reject(reason string) error {
	return &RejectError{Reason: reason}
}

// RejectReason extracts the remote rejection reason from err, if any.
func RejectReason(err error) (string, bool) {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// errorFromAck maps a negative handshake ack onto the transport sentinels.
func errorFromAck(ack session.HandshakeAck) error {
	switch ack.Code {
	case session.AckCodeOK:
		return nil
	case session.AckCodeAlreadyRegistered:
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, ack.Message)
	case session.AckCodeUnavailable:
		return fmt.Errorf("%w: %s", ErrTransport, ack.Message)
	default:
		return Reject(ack.Message)
	}
}

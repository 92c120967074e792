package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/peerlink/internal/accounts"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/protocol/schema"
	"github.com/danmuck/peerlink/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const memoryQueueSize = 256

// Policy shapes how an endpoint answers handshakes opened against it.
type Policy struct {
	// Delay is waited before the answer; the opener's context can cut it short.
	Delay time.Duration
	// Reject, when non-empty, rejects every handshake with this reason.
	Reject            string
	AlreadyRegistered bool
	// Fail answers with a transport failure.
	Fail bool
}

type memSession struct {
	id    string
	sides [2]*MemoryEndpoint
	refs  [2]Ref
}

// MemoryNetwork is an in-process network of endpoints keyed by identity.
type MemoryNetwork struct {
	mu         sync.Mutex
	endpoints  map[identity.ID]*MemoryEndpoint
	sessions   map[string]*memSession
	handshakes map[identity.ID]int
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints:  make(map[identity.ID]*MemoryEndpoint),
		sessions:   make(map[string]*memSession),
		handshakes: make(map[identity.ID]int),
	}
}

// Endpoint attaches id to the network. A non-nil store makes the endpoint
// answer like a server: registrations create accounts and connects require
// one. Attaching an id twice returns the existing endpoint.
func (n *MemoryNetwork) Endpoint(id identity.ID, store accounts.Store) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &MemoryEndpoint{
		net:     n,
		id:      id,
		addr:    "mem://" + id.String(),
		store:   store,
		inbound: make(chan Inbound, memoryQueueSize),
		signals: make(chan Signal, memoryQueueSize),
	}
	n.endpoints[id] = ep
	return ep
}

// SetPolicy replaces the answer policy of the endpoint for id.
func (n *MemoryNetwork) SetPolicy(id identity.ID, p Policy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[id]; ok {
		ep.policy = p
	}
}

// Handshakes returns how many handshakes were opened against id.
func (n *MemoryNetwork) Handshakes(id identity.ID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handshakes[id]
}

// Sessions returns the number of live sessions on the network.
func (n *MemoryNetwork) Sessions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

// MemoryEndpoint is one identity's Transport on a MemoryNetwork.
type MemoryEndpoint struct {
	net     *MemoryNetwork
	id      identity.ID
	addr    string
	store   accounts.Store
	policy  Policy
	inbound chan Inbound
	signals chan Signal
	closed  bool
}

func (e *MemoryEndpoint) ID() identity.ID { return e.id }

func (e *MemoryEndpoint) Addr() string { return e.addr }

func (e *MemoryEndpoint) Inbound() <-chan Inbound { return e.inbound }

func (e *MemoryEndpoint) Signals() <-chan Signal { return e.signals }

func (e *MemoryEndpoint) OpenSession(ctx context.Context, req Request) (Ref, error) {
	n := e.net
	n.mu.Lock()
	if e.closed {
		n.mu.Unlock()
		return Ref{}, ErrClosed
	}
	remote, ok := n.endpoints[req.Remote]
	if !ok || remote.closed {
		n.mu.Unlock()
		return Ref{}, fmt.Errorf("%w: %s unreachable", ErrTransport, req.Remote)
	}
	n.handshakes[req.Remote]++
	policy := remote.policy
	n.mu.Unlock()

	log.Debug().Msgf("transport.MemoryEndpoint.OpenSession local=%s remote=%s intent=%s", e.id, req.Remote, req.Intent)
	if policy.Delay > 0 {
		timer := time.NewTimer(policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Ref{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}

	ack := e.answer(remote, req, policy)
	if err := errorFromAck(ack); err != nil {
		log.Debug().Msgf("transport.MemoryEndpoint.OpenSession refused remote=%s code=%d msg=%q", req.Remote, ack.Code, ack.Message)
		return Ref{}, err
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	local := Ref{ID: id, Remote: req.Remote, Role: req.Role, CID: ack.CID, OpenedAt: now}
	far := Ref{ID: id, Remote: e.id, Role: identity.RolePeer, CID: ack.CID, OpenedAt: now}

	n.mu.Lock()
	defer n.mu.Unlock()
	if e.closed || remote.closed {
		return Ref{}, fmt.Errorf("%w: endpoint closed during handshake", ErrTransport)
	}
	// registration is a one-shot exchange; only connects leave a live session
	if req.Intent == IntentConnect {
		n.sessions[id] = &memSession{id: id, sides: [2]*MemoryEndpoint{e, remote}, refs: [2]Ref{local, far}}
	}
	remote.deliverInbound(Inbound{Ref: far, Intent: req.Intent, Alias: req.Alias, Addr: e.addr})
	return local, nil
}

// answer plays the remote side of the handshake.
func (e *MemoryEndpoint) answer(remote *MemoryEndpoint, req Request, p Policy) session.HandshakeAck {
	ack := session.HandshakeAck{
		Status:      session.AckStatusRejected,
		RemoteID:    remote.id,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	switch {
	case p.Fail:
		ack.Code = session.AckCodeUnavailable
		ack.Message = "unavailable"
		return ack
	case p.Reject != "":
		ack.Code = session.AckCodeRejected
		ack.Message = p.Reject
		return ack
	case p.AlreadyRegistered && req.Intent == IntentRegister:
		ack.Code = session.AckCodeAlreadyRegistered
		ack.Message = fmt.Sprintf("%s already registered", req.Local)
		return ack
	}
	return answerHandshake(remote.store, remote.id, req.Intent, req.Local, req.Alias)
}

func (e *MemoryEndpoint) CloseSession(ref Ref) error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[ref.ID]
	if !ok {
		return nil
	}
	delete(n.sessions, ref.ID)
	for i, side := range s.sides {
		if side != e {
			side.deliverSignal(Signal{Kind: SignalClosed, From: s.refs[i], Reason: "closed by peer"})
		}
	}
	log.Debug().Msgf("transport.MemoryEndpoint.CloseSession local=%s remote=%s ref=%s", e.id, ref.Remote, ref.ID)
	return nil
}

func (e *MemoryEndpoint) Send(ctx context.Context, ref Ref, msg session.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[ref.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRef, ref.ID)
	}
	for i, side := range s.sides {
		if side == e {
			continue
		}
		sig, err := signalFromMessage(s.refs[i], msg)
		if err != nil {
			return err
		}
		if !side.deliverSignal(sig) {
			return fmt.Errorf("%w: %s queue full", ErrTransport, side.id)
		}
	}
	return nil
}

// Deregister removes the account local holds on remote.
func (e *MemoryEndpoint) Deregister(ctx context.Context, remote identity.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.net.mu.Lock()
	ep, ok := e.net.endpoints[remote]
	e.net.mu.Unlock()
	if !ok || ep.store == nil {
		return nil
	}
	return ep.store.Remove(e.id)
}

// Close detaches the endpoint and closes every session it holds.
func (e *MemoryEndpoint) Close() error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if e.closed {
		return nil
	}
	for id, s := range n.sessions {
		if s.sides[0] != e && s.sides[1] != e {
			continue
		}
		delete(n.sessions, id)
		for i, side := range s.sides {
			if side != e {
				side.deliverSignal(Signal{Kind: SignalClosed, From: s.refs[i], Reason: "peer shut down"})
			}
		}
	}
	e.closed = true
	delete(n.endpoints, e.id)
	close(e.inbound)
	close(e.signals)
	return nil
}

// deliverInbound and deliverSignal run under the network lock.
func (e *MemoryEndpoint) deliverInbound(in Inbound) {
	if e.closed {
		return
	}
	select {
	case e.inbound <- in:
	default:
		log.Warn().Msgf("transport.MemoryEndpoint inbound queue full id=%s dropped=%s", e.id, in.Ref.Remote)
	}
}

func (e *MemoryEndpoint) deliverSignal(sig Signal) bool {
	if e.closed {
		return false
	}
	select {
	case e.signals <- sig:
		return true
	default:
		log.Warn().Msgf("transport.MemoryEndpoint signal queue full id=%s kind=%s", e.id, sig.Kind)
		return false
	}
}

// signalFromMessage maps a control message onto the signal the receiving
// side observes. from is the receiver's ref for the session.
func signalFromMessage(from Ref, msg session.Message) (Signal, error) {
	switch msg.Type {
	case schema.MsgGroupInit:
		g := *msg.GroupInit
		return Signal{Kind: SignalGroupInit, From: from, GroupInit: &g}, nil
	case schema.MsgGroupInitAck:
		a := *msg.GroupAck
		a.Members = append([]identity.ID(nil), a.Members...)
		return Signal{Kind: SignalGroupInitAck, From: from, GroupAck: &a}, nil
	case schema.MsgPeerIntro:
		p := *msg.Intro
		return Signal{Kind: SignalPeerIntro, From: from, Intro: &p}, nil
	case schema.MsgDisconnect:
		return Signal{Kind: SignalClosed, From: from, Reason: msg.Disconnect.Reason}, nil
	}
	return Signal{}, fmt.Errorf("%w: message_type=%d is not a control message", ErrTransport, msg.Type)
}

package node

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/peerlink/internal/directory"
	"github.com/danmuck/peerlink/internal/group"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/intent"
	"github.com/danmuck/peerlink/internal/kernel"
	"github.com/danmuck/peerlink/internal/protocol/session"
	"github.com/danmuck/peerlink/internal/transport"
	"github.com/rs/zerolog/log"
)

func (n *Node) inboundLoop(ctx context.Context) {
	defer n.wg.Done()
	inbound := n.tr.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-inbound:
			if !ok {
				return
			}
			n.admit(in)
			n.emit(kernel.Event{Kind: kernel.EventInbound, ID: in.Ref.Remote})
			n.forwardAccept(in)
		}
	}
}

func (n *Node) forwardAccept(in transport.Inbound) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closedOut {
		return
	}
	select {
	case n.accept <- in:
	default:
		log.Debug().Msgf("node.Node.forwardAccept queue full id=%s dropped=%s", n.cfg.ID, in.Ref.Remote)
	}
}

// admit records a session a remote identity opened with us. Registrations
// leave the identity registered; connects leave it connected on the inbound
// ref. Identities with an intent of our own in flight are left to it.
func (n *Node) admit(in transport.Inbound) {
	n.admitMu.Lock()
	defer n.admitMu.Unlock()
	id := in.Ref.Remote
	sess, ok := n.dir.Find(id)
	if ok && sess.State.InFlight() {
		log.Debug().Msgf("node.Node.admit skip in-flight id=%s state=%s", id, sess.State)
		return
	}
	needsRegistration := !ok || !sess.Registered() || sess.State == directory.StateClosed
	if needsRegistration {
		if _, err := n.dir.Upsert(id, directory.StateRegistering); err != nil {
			log.Warn().Err(err).Msgf("node.Node.admit register id=%s", id)
			return
		}
		if err := n.dir.SetRegistration(id, directory.Registration{CID: in.Ref.CID, RegisteredAt: in.Ref.OpenedAt}); err != nil {
			log.Warn().Err(err).Msgf("node.Node.admit registration id=%s", id)
			return
		}
		if _, err := n.dir.Upsert(id, directory.StateRegistered); err != nil {
			log.Warn().Err(err).Msgf("node.Node.admit registered id=%s", id)
			return
		}
	}
	if in.Alias != "" {
		_ = n.dir.SetAlias(id, in.Alias)
	}
	n.dir.AddReachable(directory.PeerEntry{ID: id, Alias: in.Alias, Addr: in.Addr})
	if in.Intent != transport.IntentConnect {
		log.Info().Msgf("node.Node.admit registered id=%s cid=%d", id, in.Ref.CID)
		return
	}

	sess, _ = n.dir.Find(id)
	if sess.State != directory.StateConnected {
		if _, err := n.dir.Upsert(id, directory.StateConnecting); err != nil {
			log.Warn().Err(err).Msgf("node.Node.admit connecting id=%s", id)
			return
		}
	}
	if err := n.dir.SetRef(id, in.Ref); err != nil {
		log.Warn().Err(err).Msgf("node.Node.admit ref id=%s", id)
		return
	}
	if _, err := n.dir.Upsert(id, directory.StateConnected); err != nil {
		log.Warn().Err(err).Msgf("node.Node.admit connected id=%s", id)
		return
	}
	log.Info().Msgf("node.Node.admit connected id=%s ref=%s", id, in.Ref.ID)
}

func (n *Node) signalLoop(ctx context.Context) {
	defer n.wg.Done()
	signals := n.tr.Signals()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			n.dispatch(ctx, sig)
		}
	}
}

func (n *Node) dispatch(ctx context.Context, sig transport.Signal) {
	switch sig.Kind {
	case transport.SignalClosed:
		n.sessionClosed(sig.From, sig.Reason)
	case transport.SignalGroupInit:
		if sig.GroupInit == nil {
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleGroupInit(ctx, sig.From, *sig.GroupInit)
		}()
	case transport.SignalGroupInitAck:
		if sig.GroupAck == nil {
			return
		}
		n.mu.Lock()
		ch, ok := n.pending[sig.GroupAck.RequestID]
		delete(n.pending, sig.GroupAck.RequestID)
		n.mu.Unlock()
		if !ok {
			log.Debug().Msgf("node.Node.dispatch stray ack request_id=%d from=%s", sig.GroupAck.RequestID, sig.From.Remote)
			return
		}
		ch <- *sig.GroupAck
	case transport.SignalPeerIntro:
		if sig.Intro != nil {
			n.handleIntro(sig.From, *sig.Intro)
		}
	}
}

// sessionClosed tears down the identity only when the closed ref is the one
// the directory holds for it.
func (n *Node) sessionClosed(ref transport.Ref, reason string) {
	remote := ref.Remote
	sess, ok := n.dir.Find(remote)
	if !ok || (!sess.Ref.IsZero() && sess.Ref.ID != ref.ID) {
		log.Debug().Msgf("node.Node.sessionClosed stale ref=%s remote=%s", ref.ID, remote)
		return
	}
	log.Info().Msgf("node.Node.sessionClosed remote=%s reason=%q", remote, reason)
	_ = n.machine.Teardown(remote)
	n.coord.MemberDisconnected(remote)
	if remote == n.cfg.Server {
		// owners hold their groups on the strength of the server session
		n.coord.OwnerDisconnected(n.cfg.ID)
	}

	var lost []string
	n.mu.Lock()
	for name, owner := range n.memberships {
		if owner == remote {
			delete(n.memberships, name)
			lost = append(lost, name)
		}
	}
	for name, owner := range n.announced {
		if owner == remote {
			delete(n.announced, name)
		}
	}
	n.mu.Unlock()
	for _, name := range lost {
		n.emit(kernel.Event{Kind: kernel.EventGroupDisbanded, ID: remote, Group: name})
	}
}

func (n *Node) handleGroupInit(ctx context.Context, from transport.Ref, req session.GroupInit) {
	remote := from.Remote
	// a request on a live session proves it even before its inbound note
	if !n.connected(remote) {
		n.admit(transport.Inbound{Ref: from, Intent: transport.IntentConnect, Alias: req.Alias, Addr: req.Addr})
	}
	ack := session.GroupInitAck{
		RequestID: req.RequestID,
		Status:    session.AckStatusAccepted,
		Code:      session.AckCodeOK,
		Group:     req.Group,
		Owner:     n.cfg.ID,
	}
	switch req.Type {
	case session.GroupInitCreate:
		n.handleAnnounce(remote, req, &ack)
	case session.GroupInitJoin:
		n.handleJoin(ctx, remote, req, &ack)
	case session.GroupInitLeave:
		n.handleLeave(remote, req, &ack)
	default:
		reject(&ack, session.AckCodeInvalid, "unknown request type")
	}

	sctx, cancel := context.WithTimeout(ctx, n.cfg.Session.WriteTimeout)
	defer cancel()
	if err := n.tr.Send(sctx, from, session.GroupInitAckMessage(ack)); err != nil {
		log.Warn().Err(err).Msgf("node.Node.handleGroupInit ack send failed to=%s request_id=%d", remote, req.RequestID)
	}
}

// handleAnnounce records a group an owner created. Names are first come.
func (n *Node) handleAnnounce(remote identity.ID, req session.GroupInit, ack *session.GroupInitAck) {
	if req.Candidate != remote {
		reject(ack, session.AckCodeRejected, "owner must announce over its own session")
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.announced[req.Group]; ok && cur != remote {
		ack.Owner = cur
		reject(ack, session.AckCodeAlreadyRegistered, "group "+req.Group+" owned by "+cur.String())
		return
	}
	n.announced[req.Group] = remote
	ack.Owner = remote
	log.Info().Msgf("node.Node.handleAnnounce group=%s owner=%s", req.Group, remote)
}

func (n *Node) handleJoin(ctx context.Context, remote identity.ID, req session.GroupInit, ack *session.GroupInitAck) {
	if req.Candidate != remote {
		reject(ack, session.AckCodeRejected, "candidate must join over its own session")
		return
	}
	entry := directory.PeerEntry{ID: remote, Alias: req.Alias, Addr: req.Addr}
	out, err := n.coord.JoinGroupAs(ctx, entry, req.Group)
	if err != nil {
		if owner, ok := n.announcedOwner(req.Group); ok {
			ack.Owner = owner
		}
		kind, _ := intent.KindOf(err)
		switch kind {
		case intent.KindUnknownIdentity:
			reject(ack, session.AckCodeUnknownAccount, err.Error())
		case intent.KindTrustPreconditionFailed:
			reject(ack, session.AckCodeRejected, err.Error())
		default:
			reject(ack, session.AckCodeUnavailable, err.Error())
		}
		return
	}
	ack.Owner = out.Owner
	ack.Members = out.Roster
}

// handleLeave drops the sender from a group this node owns.
func (n *Node) handleLeave(remote identity.ID, req session.GroupInit, ack *session.GroupInitAck) {
	if req.Candidate != remote {
		reject(ack, session.AckCodeRejected, "candidate must leave over its own session")
		return
	}
	if err := n.coord.LeaveGroup(remote, req.Group); err != nil {
		reject(ack, session.AckCodeUnknownAccount, err.Error())
		return
	}
	if members, ok := n.coord.Members(req.Group); ok {
		ack.Members = members
	}
}

func (n *Node) announcedOwner(name string) (identity.ID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	owner, ok := n.announced[name]
	return owner, ok
}

func reject(ack *session.GroupInitAck, code uint32, reason string) {
	ack.Status = session.AckStatusRejected
	ack.Code = code
	ack.Reason = reason
}

// handleIntro accepts introductions only from the owner of a joined group.
func (n *Node) handleIntro(from transport.Ref, intro session.PeerIntro) {
	n.mu.Lock()
	owner, ok := n.memberships[intro.Group]
	n.mu.Unlock()
	if !ok || owner != from.Remote || intro.IntroducedBy != from.Remote {
		log.Warn().Msgf("node.Node.handleIntro untrusted group=%s from=%s peer=%s", intro.Group, from.Remote, intro.PeerID)
		return
	}
	if intro.PeerID == n.cfg.ID {
		return
	}
	if book, ok := n.tr.(transport.PeerBook); ok && intro.Addr != "" {
		book.AddPeer(intro.PeerID, intro.Addr)
	}
	n.dir.AddReachable(directory.PeerEntry{
		ID:           intro.PeerID,
		Alias:        intro.Alias,
		Addr:         intro.Addr,
		IntroducedBy: from.Remote,
		LearnedAt:    time.Now().UTC(),
	})
	n.emit(kernel.Event{Kind: kernel.EventPeerIntroduced, ID: intro.PeerID, Group: intro.Group})
	log.Info().Msgf("node.Node.handleIntro group=%s peer=%s by=%s", intro.Group, intro.PeerID, from.Remote)
}

// introduce is the group coordinator's delivery hook: it relays one
// introduction to the member over its session with this node.
func (n *Node) introduce(in group.Introduction) {
	if in.To == n.cfg.ID {
		n.dir.AddReachable(in.Peer)
		return
	}
	sess, ok := n.dir.Find(in.To)
	if !ok || sess.State != directory.StateConnected || sess.Ref.IsZero() {
		log.Warn().Msgf("node.Node.introduce no session group=%s to=%s", in.Group, in.To)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Session.WriteTimeout)
	defer cancel()
	msg := session.PeerIntroMessage(session.PeerIntro{
		Group:        in.Group,
		PeerID:       in.Peer.ID,
		Alias:        in.Peer.Alias,
		Addr:         in.Peer.Addr,
		IntroducedBy: n.cfg.ID,
	})
	if err := n.tr.Send(ctx, sess.Ref, msg); err != nil && !errors.Is(err, transport.ErrClosed) {
		log.Warn().Err(err).Msgf("node.Node.introduce send failed group=%s to=%s", in.Group, in.To)
	}
}

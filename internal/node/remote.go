package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/peerlink/internal/directory"
	"github.com/danmuck/peerlink/internal/group"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/intent"
	"github.com/danmuck/peerlink/internal/kernel"
	"github.com/danmuck/peerlink/internal/observability"
	"github.com/danmuck/peerlink/internal/peerset"
	"github.com/danmuck/peerlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

func (n *Node) Register(ctx context.Context, id identity.ID, alias string) (intent.RegisterOutcome, error) {
	return n.machine.Register(ctx, id, alias)
}

func (n *Node) Connect(ctx context.Context, id identity.ID) (intent.ConnectOutcome, error) {
	return n.machine.Connect(ctx, id)
}

func (n *Node) RegisterAndConnect(ctx context.Context, id identity.ID, alias string) (intent.ConnectOutcome, error) {
	return n.machine.RegisterAndConnect(ctx, id, alias)
}

func (n *Node) ConnectSet(ctx context.Context, targets []peerset.Target, mode peerset.Mode) (peerset.Outcome, error) {
	out, err := n.agg.Submit(ctx, targets, mode)
	if err != nil {
		return out, err
	}
	observability.RecordPeerSet(n.cfg.ID.String(), string(out.Aggregate), len(targets))
	return out, nil
}

func (n *Node) Teardown(id identity.ID) error {
	return n.machine.Teardown(id)
}

func (n *Node) Deregister(ctx context.Context, id identity.ID) error {
	return n.machine.Deregister(ctx, id)
}

// CreateGroup creates name owned by this node. With a server configured the
// group is also announced to it, and a name another owner announced first is
// refused with group.ErrGroupExists.
func (n *Node) CreateGroup(ctx context.Context, name string) (kernel.GroupOutcome, error) {
	g, err := n.coord.CreateGroup(ctx, n.cfg.ID, name)
	if err != nil {
		return kernel.GroupOutcome{}, err
	}
	if n.cfg.Server != "" && n.cfg.Server != n.cfg.ID {
		_, err := n.groupRequest(ctx, intent.OpCreate, n.cfg.Server, session.GroupInit{
			Type:      session.GroupInitCreate,
			Group:     g.Name,
			Owner:     n.cfg.ID,
			Candidate: n.cfg.ID,
			Alias:     n.cfg.Alias,
			Addr:      n.tr.Addr(),
		})
		if err != nil {
			if derr := n.coord.DisbandGroup(g.Name); derr != nil {
				log.Debug().Err(derr).Msgf("node.Node.CreateGroup disband group=%s", g.Name)
			}
			return kernel.GroupOutcome{}, err
		}
	}
	return kernel.GroupOutcome{Group: g.Name, Owner: g.Owner, Roster: g.Members, Created: true}, nil
}

// JoinGroup joins name as owned by owner. An empty owner or this node's own
// identity joins a locally owned group.
func (n *Node) JoinGroup(ctx context.Context, owner identity.ID, name string) (kernel.GroupOutcome, error) {
	if owner == "" || owner == n.cfg.ID {
		out, err := n.coord.JoinGroup(ctx, n.cfg.ID, name)
		if err != nil {
			return kernel.GroupOutcome{}, err
		}
		return kernel.GroupOutcome{Group: out.Group, Owner: out.Owner, Roster: out.Roster}, nil
	}

	jctx, cancel := context.WithTimeout(ctx, n.cfg.Session.JoinTimeout)
	defer cancel()
	if !n.connected(owner) {
		if _, err := n.machine.RegisterAndConnect(jctx, owner, n.cfg.Alias); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return kernel.GroupOutcome{}, intent.NewError(intent.OpJoin, owner, intent.KindCancelled, "group "+name, err)
			}
			return kernel.GroupOutcome{}, intent.NewError(
				intent.OpJoin,
				owner,
				intent.KindTrustPreconditionFailed,
				fmt.Sprintf("no session with owner: %v", err),
				err,
			)
		}
	}

	// introductions may arrive before the ack
	n.mu.Lock()
	prev, had := n.memberships[name]
	n.memberships[name] = owner
	n.mu.Unlock()

	ack, err := n.groupRequest(jctx, intent.OpJoin, owner, session.GroupInit{
		Type:      session.GroupInitJoin,
		Group:     name,
		Owner:     owner,
		Candidate: n.cfg.ID,
		Alias:     n.cfg.Alias,
		Addr:      n.tr.Addr(),
	})
	if err != nil {
		n.mu.Lock()
		if had {
			n.memberships[name] = prev
		} else if n.memberships[name] == owner {
			delete(n.memberships, name)
		}
		n.mu.Unlock()
		return kernel.GroupOutcome{}, err
	}
	n.emit(kernel.Event{Kind: kernel.EventGroupJoined, ID: n.cfg.ID, Group: name})
	log.Info().Msgf("node.Node.JoinGroup group=%s owner=%s roster=%d", name, ack.Owner, len(ack.Members))
	return kernel.GroupOutcome{Group: ack.Group, Owner: ack.Owner, Roster: ack.Members}, nil
}

// LeaveGroup leaves a joined group. The membership is forgotten locally
// first; the owner is then asked to drop this node from its roster. With no
// session left to the owner there is nothing to send, since the owner already
// dropped the member when that session closed. A group this node owns and
// joined itself is left through the local coordinator.
func (n *Node) LeaveGroup(ctx context.Context, name string) (bool, error) {
	n.mu.Lock()
	owner, ok := n.memberships[name]
	delete(n.memberships, name)
	n.mu.Unlock()
	if !ok {
		if !n.coord.IsMember(name, n.cfg.ID) {
			return false, nil
		}
		return true, n.coord.LeaveGroup(n.cfg.ID, name)
	}
	n.emit(kernel.Event{Kind: kernel.EventGroupLeft, ID: n.cfg.ID, Group: name})
	if !n.connected(owner) {
		log.Debug().Msgf("node.Node.LeaveGroup no owner session group=%s owner=%s", name, owner)
		return true, nil
	}
	_, err := n.groupRequest(ctx, intent.OpLeave, owner, session.GroupInit{
		Type:      session.GroupInitLeave,
		Group:     name,
		Owner:     owner,
		Candidate: n.cfg.ID,
		Alias:     n.cfg.Alias,
		Addr:      n.tr.Addr(),
	})
	if err != nil {
		return true, err
	}
	log.Info().Msgf("node.Node.LeaveGroup group=%s owner=%s", name, owner)
	return true, nil
}

// groupRequest sends req to remote over the connected session and waits for
// the matching ack.
func (n *Node) groupRequest(ctx context.Context, op intent.Op, remote identity.ID, req session.GroupInit) (session.GroupInitAck, error) {
	sess, ok := n.dir.Find(remote)
	if !ok || sess.State != directory.StateConnected || sess.Ref.IsZero() {
		return session.GroupInitAck{}, intent.NewError(op, remote, intent.KindTrustPreconditionFailed, "no connected session", ErrNoSession)
	}
	req.RequestID = n.requests.Add(1)
	ch := make(chan session.GroupInitAck, 1)
	n.mu.Lock()
	if n.closedOut {
		n.mu.Unlock()
		return session.GroupInitAck{}, intent.NewError(op, remote, intent.KindCancelled, "node closed", intent.ErrClosed)
	}
	n.pending[req.RequestID] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, req.RequestID)
		n.mu.Unlock()
	}()

	wctx, cancel := context.WithTimeout(ctx, n.cfg.Session.JoinTimeout)
	defer cancel()
	if err := n.tr.Send(wctx, sess.Ref, session.GroupInitMessage(req)); err != nil {
		return session.GroupInitAck{}, intent.NewError(op, remote, intent.KindTransportError, err.Error(), err)
	}
	log.Debug().Msgf("node.Node.groupRequest sent type=%s group=%s to=%s request_id=%d", req.Type, req.Group, remote, req.RequestID)

	select {
	case ack, ok := <-ch:
		if !ok {
			return session.GroupInitAck{}, intent.NewError(op, remote, intent.KindCancelled, "node closed", intent.ErrClosed)
		}
		if err := ackError(op, remote, ack); err != nil {
			return ack, err
		}
		return ack, nil
	case <-wctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return session.GroupInitAck{}, intent.NewError(op, remote, intent.KindCancelled, "group "+req.Group, ctx.Err())
		}
		return session.GroupInitAck{}, intent.NewError(op, remote, intent.KindTimeout, "no answer for group "+req.Group, wctx.Err())
	}
}

func ackError(op intent.Op, remote identity.ID, ack session.GroupInitAck) error {
	if ack.Accepted() {
		return nil
	}
	reason := ack.Reason
	switch ack.Code {
	case session.AckCodeUnknownAccount:
		return intent.NewError(op, remote, intent.KindUnknownIdentity, reason, intent.ErrUnknownIdentity)
	case session.AckCodeRejected:
		return intent.NewError(op, remote, intent.KindTrustPreconditionFailed, reason, intent.ErrTrustPreconditionFailed)
	case session.AckCodeAlreadyRegistered:
		return intent.NewError(op, remote, intent.KindRejected, reason, group.ErrGroupExists)
	case session.AckCodeUnavailable:
		return intent.NewError(op, remote, intent.KindTransportError, reason, nil)
	}
	return intent.NewError(op, remote, intent.KindRejected, reason, nil)
}

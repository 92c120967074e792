package kernel

import (
	"fmt"

	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/peerset"
	"github.com/danmuck/peerlink/internal/protocol/session"
)

// Spec selects and parameterizes a built-in kernel from configuration.
type Spec struct {
	Kind               Kind
	Server             identity.ID
	Alias              string
	MaxConnectAttempts int
	Backoff            session.BackoffConfig
	Peers              []peerset.Target
	RequireAll         bool
	Group              string
	Owner              identity.ID
	GroupRequest       session.GroupInitRequestType
	AcceptLimit        int
}

// Build returns the built-in kernel described by s, without handlers.
func Build(s Spec) (Kernel, error) {
	switch s.Kind {
	case KindEmpty, "":
		return Empty{}, nil
	case KindAcceptListener:
		return AcceptListener{Limit: s.AcceptLimit}, nil
	case KindSingleConnection:
		return SingleConnection{
			Server:      s.Server,
			Alias:       s.Alias,
			MaxAttempts: s.MaxConnectAttempts,
			Backoff:     s.Backoff,
		}, nil
	case KindPeerMesh:
		if len(s.Peers) == 0 {
			return nil, fmt.Errorf("kernel: peer mesh needs peers")
		}
		return PeerMesh{Peers: s.Peers, RequireAll: s.RequireAll}, nil
	case KindBroadcastGroup:
		if s.Group == "" {
			return nil, fmt.Errorf("kernel: broadcast group needs a group name")
		}
		if s.GroupRequest != session.GroupInitCreate && s.GroupRequest != session.GroupInitJoin {
			return nil, fmt.Errorf("kernel: broadcast group request %s", s.GroupRequest)
		}
		if s.GroupRequest == session.GroupInitJoin && s.Owner == "" {
			return nil, fmt.Errorf("kernel: joining %s needs an owner", s.Group)
		}
		return BroadcastGroup{Group: s.Group, Owner: s.Owner, Request: s.GroupRequest}, nil
	}
	return nil, fmt.Errorf("kernel: unknown kind %q", s.Kind)
}

// Package kernel holds the units of user logic a node drives to completion.
//
// A Kernel is handed a Remote, the node's capability surface, and runs until
// it returns. Its return ends the node: a nil error is a clean stop and any
// other error becomes the node's terminal result. The built-in variants cover
// the protocol shapes a node is usually started for; applications supply
// their own logic through each variant's Handler.
package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/peerlink/internal/directory"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/intent"
	"github.com/danmuck/peerlink/internal/peerset"
	"github.com/danmuck/peerlink/internal/transport"
)

// Kind tags a kernel variant.
type Kind string

const (
	KindEmpty            Kind = "empty"
	KindAcceptListener   Kind = "accept_listener"
	KindSingleConnection Kind = "single_connection"
	KindPeerMesh         Kind = "peer_mesh"
	KindBroadcastGroup   Kind = "broadcast_group"
)

// ParseKind accepts the config spelling of a kind.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	switch k {
	case KindEmpty, KindAcceptListener, KindSingleConnection, KindPeerMesh, KindBroadcastGroup:
		return k, nil
	case "":
		return KindEmpty, nil
	}
	return "", fmt.Errorf("kernel: unknown kind %q", raw)
}

// Kernel is one unit of user logic.
type Kernel interface {
	Kind() Kind
	Run(ctx context.Context, remote Remote) error
}

// GroupOutcome is a successful create or join.
type GroupOutcome struct {
	Group  string
	Owner  identity.ID
	Roster []identity.ID
	// Created is set when the local identity created the group.
	Created bool
}

// Remote is the capability set a node exposes to its kernel.
type Remote interface {
	Local() identity.ID
	// Server is the configured server identity, empty for pure peers.
	Server() identity.ID
	Directory() *directory.Directory

	Register(ctx context.Context, id identity.ID, alias string) (intent.RegisterOutcome, error)
	Connect(ctx context.Context, id identity.ID) (intent.ConnectOutcome, error)
	RegisterAndConnect(ctx context.Context, id identity.ID, alias string) (intent.ConnectOutcome, error)
	ConnectSet(ctx context.Context, targets []peerset.Target, mode peerset.Mode) (peerset.Outcome, error)
	CreateGroup(ctx context.Context, name string) (GroupOutcome, error)
	JoinGroup(ctx context.Context, owner identity.ID, name string) (GroupOutcome, error)
	Teardown(id identity.ID) error
	Deregister(ctx context.Context, id identity.ID) error

	// Accept yields sessions remote identities opened with this node.
	Accept() <-chan transport.Inbound
	// Events yields node events in the order they happened.
	Events() <-chan Event
	// Shutdown stops the node. The kernel's context is cancelled.
	Shutdown()
}

// EventKind tags node events.
type EventKind string

const (
	EventRegistered     EventKind = "registered"
	EventRegisterFailed EventKind = "register_failed"
	EventConnected      EventKind = "connected"
	EventConnectFailed  EventKind = "connect_failed"
	EventDisconnected   EventKind = "disconnected"
	EventInbound        EventKind = "inbound"
	EventGroupCreated   EventKind = "group_created"
	EventGroupJoined    EventKind = "group_joined"
	EventGroupLeft      EventKind = "group_left"
	EventGroupDisbanded EventKind = "group_disbanded"
	EventPeerIntroduced EventKind = "peer_introduced"
)

// Event is one thing that happened on the node.
type Event struct {
	Kind   EventKind
	ID     identity.ID
	Group  string
	Ticket intent.Ticket
	Err    error
	At     time.Time
}

func (e Event) String() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.ID != "" {
		b.WriteString(" id=")
		b.WriteString(e.ID.String())
	}
	if e.Group != "" {
		b.WriteString(" group=")
		b.WriteString(e.Group)
	}
	if e.Err != nil {
		b.WriteString(" err=")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// hold blocks until ctx is done. Kernels without a handler use it to keep
// their node serving.
func hold(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

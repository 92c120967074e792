// Package group coordinates trust-scoped groups. One owner creates a group;
// every other member must hold a connected session with that owner before it
// is admitted, and the owner relays each member's reachability to the others.
package group

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/peerlink/internal/directory"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/intent"
	"github.com/rs/zerolog/log"
)

var (
	ErrGroupExists  = errors.New("group: already exists")
	ErrInvalidName  = errors.New("group: invalid name")
	ErrCoordClosed  = errors.New("group: coordinator closed")
	defaultMailbox  = 64
	defaultRelayCap = 256
)

// State is the lifecycle of one group from its owner's side.
type State string

const (
	StateNonExistent State = "non_existent"
	StateCreated     State = "created"
	StateActive      State = "active"
	StateDisbanded   State = "disbanded"
)

// Group is a snapshot of one group. Members excludes the owner and keeps
// admission order.
type Group struct {
	Name      string        `json:"name"`
	Owner     identity.ID   `json:"owner"`
	Members   []identity.ID `json:"members"`
	State     State         `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
}

// Contains reports whether id is the owner or an admitted member.
func (g Group) Contains(id identity.ID) bool {
	if id == g.Owner {
		return true
	}
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}

// JoinOutcome is a successful admission.
type JoinOutcome struct {
	Group  string
	Owner  identity.ID
	Roster []identity.ID
	// Admitted is false when the candidate was already in the group.
	Admitted bool
}

// Introduction is one member's reachability relayed by the owner to another
// member.
type Introduction struct {
	Group string
	To    identity.ID
	Peer  directory.PeerEntry
}

// Introducer delivers introductions beyond the local mailboxes.
type Introducer func(Introduction)

// Consent answers whether the owner relationship holds and drives it when
// it does not.
type Consent interface {
	// Connected reports whether member holds a connected session with owner.
	Connected(member, owner identity.ID) bool
	// Establish drives member to a connected session with owner.
	Establish(ctx context.Context, member, owner identity.ID) error
}

// EventKind tags coordinator events.
type EventKind string

const (
	EventCreated   EventKind = "group.created"
	EventActive    EventKind = "group.active"
	EventJoined    EventKind = "group.joined"
	EventLeft      EventKind = "group.left"
	EventDisbanded EventKind = "group.disbanded"
)

// Event is emitted after every roster or lifecycle change.
type Event struct {
	Kind   EventKind
	Group  string
	Owner  identity.ID
	Member identity.ID
}

// Config configures a Coordinator.
type Config struct {
	// Server is the identity owners must be connected to before creating a
	// group. Empty skips the check.
	Server identity.ID
	// JoinTimeout bounds a join, including establishing the owner session.
	JoinTimeout time.Duration
	// MailboxSize is the per-member introduction buffer.
	MailboxSize int
}

type member struct {
	entry      directory.PeerEntry
	mailbox    chan Introduction
	admittedAt time.Time
}

type group struct {
	name      string
	owner     identity.ID
	state     State
	createdAt time.Time
	members   map[identity.ID]*member
	order     []identity.ID
	relay     chan relayMsg
	quit      chan struct{}
	loopDone  chan struct{}
}

func (g *group) snapshot() Group {
	return Group{
		Name:      g.name,
		Owner:     g.owner,
		Members:   append([]identity.ID(nil), g.order...),
		State:     g.state,
		CreatedAt: g.createdAt,
	}
}

// Coordinator serializes roster mutation; joins otherwise run independently.
type Coordinator struct {
	cfg        Config
	consent    Consent
	introducer Introducer

	mu        sync.Mutex
	groups    map[string]*group
	observers []func(Event)
	closed    bool
}

func New(cfg Config, consent Consent, introducer Introducer) *Coordinator {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 15 * time.Second
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailbox
	}
	return &Coordinator{
		cfg:        cfg,
		consent:    consent,
		introducer: introducer,
		groups:     make(map[string]*group),
	}
}

// Observe registers fn to receive coordinator events.
func (c *Coordinator) Observe(fn func(Event)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// CreateGroup creates name owned by owner and returns once its relay loop is
// running and the group is active. A disbanded name is recreated fresh.
func (c *Coordinator) CreateGroup(ctx context.Context, owner identity.ID, name string) (Group, error) {
	name, err := normalizeName(name)
	if err != nil {
		return Group{}, err
	}
	if c.cfg.Server != "" && owner != c.cfg.Server && !c.consent.Connected(owner, c.cfg.Server) {
		return Group{}, intent.NewError(
			intent.OpCreate,
			owner,
			intent.KindTrustPreconditionFailed,
			fmt.Sprintf("owner not connected to %s", c.cfg.Server),
			intent.ErrTrustPreconditionFailed,
		)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Group{}, ErrCoordClosed
	}
	if prev, ok := c.groups[name]; ok && prev.state != StateDisbanded {
		c.mu.Unlock()
		return Group{}, fmt.Errorf("%w: %s owned by %s", ErrGroupExists, name, prev.owner)
	}
	g := &group{
		name:      name,
		owner:     owner,
		state:     StateCreated,
		createdAt: time.Now().UTC(),
		members:   make(map[identity.ID]*member),
		relay:     make(chan relayMsg, defaultRelayCap),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	c.groups[name] = g
	ready := make(chan struct{})
	go c.relayLoop(g, ready)
	c.mu.Unlock()
	c.emit(Event{Kind: EventCreated, Group: name, Owner: owner})

	select {
	case <-ready:
	case <-ctx.Done():
		c.disband(name, g)
		return Group{}, intent.NewError(intent.OpCreate, owner, intent.KindCancelled, "group "+name, ctx.Err())
	}

	c.mu.Lock()
	if c.groups[name] != g || g.state != StateCreated {
		c.mu.Unlock()
		return Group{}, intent.NewError(intent.OpCreate, owner, intent.KindCancelled, "group "+name+" disbanded during create", nil)
	}
	g.state = StateActive
	snap := g.snapshot()
	c.mu.Unlock()
	c.emit(Event{Kind: EventActive, Group: name, Owner: owner})
	log.Info().Msgf("group.Coordinator.CreateGroup name=%s owner=%s", name, owner)
	return snap, nil
}

// JoinGroup admits candidate into name. See JoinGroupAs.
func (c *Coordinator) JoinGroup(ctx context.Context, candidate identity.ID, name string) (JoinOutcome, error) {
	return c.JoinGroupAs(ctx, directory.PeerEntry{ID: candidate}, name)
}

// JoinGroupAs admits the candidate described by entry into name. The
// candidate must hold, or establish within the join deadline, a connected
// session with the owner. Joining twice returns the current roster.
func (c *Coordinator) JoinGroupAs(ctx context.Context, entry directory.PeerEntry, name string) (JoinOutcome, error) {
	candidate := entry.ID
	name = strings.TrimSpace(name)

	c.mu.Lock()
	g, ok := c.groups[name]
	if !ok || g.state == StateDisbanded || c.closed {
		c.mu.Unlock()
		return JoinOutcome{}, unknownGroup(candidate, name)
	}
	if out, done := g.existing(candidate); done {
		c.mu.Unlock()
		return out, nil
	}
	owner := g.owner
	c.mu.Unlock()

	jctx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()
	if !c.consent.Connected(candidate, owner) {
		if err := c.consent.Establish(jctx, candidate, owner); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return JoinOutcome{}, intent.NewError(intent.OpJoin, candidate, intent.KindCancelled, "group "+name, err)
			}
			return JoinOutcome{}, intent.NewError(
				intent.OpJoin,
				candidate,
				intent.KindTrustPreconditionFailed,
				fmt.Sprintf("no session with owner %s: %v", owner, err),
				err,
			)
		}
	}

	// the owner relationship may have changed while we were suspended
	c.mu.Lock()
	if c.groups[name] != g || g.state != StateActive {
		c.mu.Unlock()
		return JoinOutcome{}, unknownGroup(candidate, name)
	}
	if out, done := g.existing(candidate); done {
		c.mu.Unlock()
		return out, nil
	}
	if !c.consent.Connected(candidate, owner) {
		c.mu.Unlock()
		return JoinOutcome{}, intent.NewError(
			intent.OpJoin,
			candidate,
			intent.KindTrustPreconditionFailed,
			fmt.Sprintf("session with owner %s lost before admission", owner),
			intent.ErrTrustPreconditionFailed,
		)
	}
	entry.IntroducedBy = owner
	if entry.LearnedAt.IsZero() {
		entry.LearnedAt = time.Now().UTC()
	}
	existing := make([]directory.PeerEntry, 0, len(g.order))
	for _, id := range g.order {
		existing = append(existing, g.members[id].entry)
	}
	m := &member{entry: entry, mailbox: make(chan Introduction, c.cfg.MailboxSize), admittedAt: time.Now().UTC()}
	g.members[candidate] = m
	g.order = append(g.order, candidate)
	roster := append([]identity.ID(nil), g.order...)
	select {
	case g.relay <- relayMsg{admit: &admission{entry: entry, mailbox: m.mailbox, existing: existing}}:
	case <-g.loopDone:
	}
	c.mu.Unlock()

	c.emit(Event{Kind: EventJoined, Group: name, Owner: owner, Member: candidate})
	log.Info().Msgf("group.Coordinator.JoinGroup name=%s member=%s roster=%d", name, candidate, len(roster))
	return JoinOutcome{Group: name, Owner: owner, Roster: roster, Admitted: true}, nil
}

// existing answers a join for the owner or an admitted member. Caller holds mu.
func (g *group) existing(candidate identity.ID) (JoinOutcome, bool) {
	if _, ok := g.members[candidate]; !ok && candidate != g.owner {
		return JoinOutcome{}, false
	}
	return JoinOutcome{
		Group:  g.name,
		Owner:  g.owner,
		Roster: append([]identity.ID(nil), g.order...),
	}, true
}

// LeaveGroup removes candidate from name. Introductions already relayed
// stand. Leaving a group one is not in is a no-op.
func (c *Coordinator) LeaveGroup(candidate identity.ID, name string) error {
	c.mu.Lock()
	g, ok := c.groups[name]
	if !ok || g.state == StateDisbanded {
		c.mu.Unlock()
		return unknownGroup(candidate, name)
	}
	if !c.removeMemberLocked(g, candidate) {
		c.mu.Unlock()
		return nil
	}
	owner := g.owner
	c.mu.Unlock()
	c.emit(Event{Kind: EventLeft, Group: name, Owner: owner, Member: candidate})
	log.Info().Msgf("group.Coordinator.LeaveGroup name=%s member=%s", name, candidate)
	return nil
}

// MemberDisconnected removes member from every active group. It returns the
// names of the groups it left.
func (c *Coordinator) MemberDisconnected(memberID identity.ID) []string {
	c.mu.Lock()
	var left []string
	var events []Event
	for name, g := range c.groups {
		if g.state == StateDisbanded {
			continue
		}
		if c.removeMemberLocked(g, memberID) {
			left = append(left, name)
			events = append(events, Event{Kind: EventLeft, Group: name, Owner: g.owner, Member: memberID})
		}
	}
	c.mu.Unlock()
	for _, ev := range events {
		c.emit(ev)
	}
	sort.Strings(left)
	return left
}

func (c *Coordinator) removeMemberLocked(g *group, id identity.ID) bool {
	if _, ok := g.members[id]; !ok {
		return false
	}
	delete(g.members, id)
	for i, m := range g.order {
		if m == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	select {
	case g.relay <- relayMsg{leave: id}:
	case <-g.loopDone:
	}
	return true
}

// DisbandGroup revokes every membership of name and stops its relay loop.
// Sessions between former members are left alone.
func (c *Coordinator) DisbandGroup(name string) error {
	c.mu.Lock()
	g, ok := c.groups[name]
	c.mu.Unlock()
	if !ok || !c.disband(name, g) {
		return unknownGroup("", name)
	}
	return nil
}

// OwnerDisconnected disbands every group owned by owner and returns their
// names.
func (c *Coordinator) OwnerDisconnected(owner identity.ID) []string {
	c.mu.Lock()
	var owned []*group
	for _, g := range c.groups {
		if g.owner == owner && g.state != StateDisbanded {
			owned = append(owned, g)
		}
	}
	c.mu.Unlock()
	names := make([]string, 0, len(owned))
	for _, g := range owned {
		if c.disband(g.name, g) {
			names = append(names, g.name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *Coordinator) disband(name string, g *group) bool {
	c.mu.Lock()
	if c.groups[name] != g || g.state == StateDisbanded {
		c.mu.Unlock()
		return false
	}
	g.state = StateDisbanded
	g.members = make(map[identity.ID]*member)
	g.order = nil
	close(g.quit)
	c.mu.Unlock()
	<-g.loopDone
	c.emit(Event{Kind: EventDisbanded, Group: name, Owner: g.owner})
	log.Info().Msgf("group.Coordinator.disband name=%s owner=%s", name, g.owner)
	return true
}

// Group returns a snapshot of name.
func (c *Coordinator) Group(name string) (Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[name]
	if !ok {
		return Group{Name: name, State: StateNonExistent}, false
	}
	return g.snapshot(), true
}

// Members returns the admitted members of an active group.
func (c *Coordinator) Members(name string) ([]identity.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[name]
	if !ok || g.state == StateDisbanded {
		return nil, false
	}
	return append([]identity.ID(nil), g.order...), true
}

// IsMember reports whether id is admitted to name.
func (c *Coordinator) IsMember(name string, id identity.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[name]
	if !ok || g.state == StateDisbanded {
		return false
	}
	_, in := g.members[id]
	return in
}

// Groups returns snapshots of every known group ordered by name.
func (c *Coordinator) Groups() []Group {
	c.mu.Lock()
	out := make([]Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g.snapshot())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Introductions returns the mailbox introductions for member of name are
// relayed to. The channel closes when the member leaves or the group is
// disbanded.
func (c *Coordinator) Introductions(name string, memberID identity.ID) (<-chan Introduction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[name]
	if !ok {
		return nil, false
	}
	m, ok := g.members[memberID]
	if !ok {
		return nil, false
	}
	return m.mailbox, true
}

// Close disbands every group.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	live := make([]*group, 0, len(c.groups))
	for _, g := range c.groups {
		if g.state != StateDisbanded {
			live = append(live, g)
		}
	}
	c.mu.Unlock()
	for _, g := range live {
		c.disband(g.name, g)
	}
}

func (c *Coordinator) emit(ev Event) {
	c.mu.Lock()
	observers := c.observers
	c.mu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	return name, nil
}

func unknownGroup(candidate identity.ID, name string) error {
	return intent.NewError(intent.OpJoin, candidate, intent.KindUnknownIdentity, "no group "+name, intent.ErrUnknownIdentity)
}

package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/peerlink/internal/directory"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/intent"
	"github.com/danmuck/peerlink/internal/peerset"
	"github.com/danmuck/peerlink/internal/protocol/session"
	"github.com/danmuck/peerlink/internal/testutil/testlog"
	"github.com/danmuck/peerlink/internal/transport"
)

type fakeRemote struct {
	mu       sync.Mutex
	dir      *directory.Directory
	server   identity.ID
	connects int
	failures []error
	inbound  chan transport.Inbound
	events   chan Event
	set      peerset.Outcome
	created  []string
	joined   []string
	stopped  bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		dir:     directory.New(),
		server:  "server.alpha",
		inbound: make(chan transport.Inbound, 8),
		events:  make(chan Event, 8),
	}
}

func (f *fakeRemote) Local() identity.ID               { return "peer.local" }
func (f *fakeRemote) Server() identity.ID              { return f.server }
func (f *fakeRemote) Directory() *directory.Directory  { return f.dir }
func (f *fakeRemote) Accept() <-chan transport.Inbound { return f.inbound }
func (f *fakeRemote) Events() <-chan Event             { return f.events }
func (f *fakeRemote) Teardown(identity.ID) error       { return nil }
func (f *fakeRemote) Deregister(context.Context, identity.ID) error {
	return nil
}

func (f *fakeRemote) Shutdown() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeRemote) Register(_ context.Context, id identity.ID, alias string) (intent.RegisterOutcome, error) {
	return intent.RegisterOutcome{ID: id, Alias: alias}, nil
}

func (f *fakeRemote) Connect(ctx context.Context, id identity.ID) (intent.ConnectOutcome, error) {
	return f.RegisterAndConnect(ctx, id, "")
}

func (f *fakeRemote) RegisterAndConnect(_ context.Context, id identity.ID, _ string) (intent.ConnectOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return intent.ConnectOutcome{}, err
	}
	if _, err := f.dir.Upsert(id, directory.StateRegistering); err != nil {
		return intent.ConnectOutcome{}, err
	}
	h, _ := f.dir.Handle(id)
	return intent.ConnectOutcome{Handle: h, Ticket: intent.Ticket(f.connects)}, nil
}

func (f *fakeRemote) ConnectSet(context.Context, []peerset.Target, peerset.Mode) (peerset.Outcome, error) {
	return f.set, nil
}

func (f *fakeRemote) CreateGroup(_ context.Context, name string) (GroupOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	return GroupOutcome{Group: name, Owner: f.Local(), Created: true}, nil
}

func (f *fakeRemote) JoinGroup(_ context.Context, owner identity.ID, name string) (GroupOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, name)
	return GroupOutcome{Group: name, Owner: owner, Roster: []identity.ID{f.Local()}}, nil
}

func TestParseKind(t *testing.T) {
	testlog.Start(t)
	for raw, want := range map[string]Kind{
		"":                  KindEmpty,
		"accept-listener":   KindAcceptListener,
		"Single_Connection": KindSingleConnection,
		"peer_mesh":         KindPeerMesh,
		"broadcast_group":   KindBroadcastGroup,
	} {
		got, err := ParseKind(raw)
		if err != nil || got != want {
			t.Fatalf("parse %q got=%s err=%v", raw, got, err)
		}
	}
	if _, err := ParseKind("relay"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestEmptyCompletesImmediately(t *testing.T) {
	testlog.Start(t)
	if err := (Empty{}).Run(context.Background(), newFakeRemote()); err != nil {
		t.Fatalf("empty run: %v", err)
	}
}

func TestAcceptListenerHandsEachSession(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	r.inbound <- transport.Inbound{Ref: transport.Ref{ID: "1", Remote: "peer.a"}, Intent: transport.IntentConnect}
	r.inbound <- transport.Inbound{Ref: transport.Ref{ID: "2", Remote: "peer.b"}, Intent: transport.IntentConnect}
	var seen []identity.ID
	k := AcceptListener{
		Limit: 2,
		Handler: func(_ context.Context, _ Remote, in transport.Inbound) error {
			seen = append(seen, in.Ref.Remote)
			return nil
		},
	}
	if err := k.Run(context.Background(), r); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 2 || seen[0] != "peer.a" || seen[1] != "peer.b" {
		t.Fatalf("unexpected accepted sessions got=%v", seen)
	}
}

func TestAcceptListenerHandlerErrorEndsKernel(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	r.inbound <- transport.Inbound{Ref: transport.Ref{ID: "1", Remote: "peer.a"}}
	boom := errors.New("boom")
	k := AcceptListener{Handler: func(context.Context, Remote, transport.Inbound) error { return boom }}
	if err := k.Run(context.Background(), r); !errors.Is(err, boom) {
		t.Fatalf("expected handler error got=%v", err)
	}
}

func TestAcceptListenerStopsWhenInboundCloses(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	close(r.inbound)
	if err := (AcceptListener{}).Run(context.Background(), r); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSingleConnectionRetriesRetryableFailures(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	r.failures = []error{
		intent.NewError(intent.OpConnect, "server.alpha", intent.KindTimeout, "", nil),
		intent.NewError(intent.OpConnect, "server.alpha", intent.KindTransportError, "", nil),
	}
	var got identity.ID
	k := SingleConnection{
		MaxAttempts: 3,
		Backoff:     session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1},
		Handler: func(_ context.Context, _ Remote, h directory.Handle) error {
			got = h.ID()
			return nil
		},
	}
	if err := k.Run(context.Background(), r); err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.connects != 3 || got != "server.alpha" {
		t.Fatalf("unexpected run connects=%d handle=%s", r.connects, got)
	}
}

func TestSingleConnectionDoesNotRetryRejection(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	r.failures = []error{intent.NewError(intent.OpRegister, "server.alpha", intent.KindRejected, "nope", nil)}
	k := SingleConnection{MaxAttempts: 5}
	err := k.Run(context.Background(), r)
	if !errors.Is(err, intent.ErrRejected) || r.connects != 1 {
		t.Fatalf("expected one rejected attempt got=%v connects=%d", err, r.connects)
	}
}

func TestSingleConnectionGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	for i := 0; i < 3; i++ {
		r.failures = append(r.failures, intent.NewError(intent.OpConnect, "server.alpha", intent.KindTimeout, "", nil))
	}
	k := SingleConnection{MaxAttempts: 2, Backoff: session.BackoffConfig{InitialDelay: time.Millisecond}}
	if err := k.Run(context.Background(), r); !errors.Is(err, intent.ErrTimeout) || r.connects != 2 {
		t.Fatalf("expected timeout after 2 attempts got=%v connects=%d", err, r.connects)
	}
}

func TestSingleConnectionWithoutHandlerHolds(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := (SingleConnection{}).Run(ctx, r); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("kernel returned before its context was done")
	}
}

func TestPeerMeshRequireAll(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	r.set = peerset.Outcome{
		Aggregate: peerset.AggregatePartialFailure,
		Results: []peerset.Result{
			{Target: peerset.Target{ID: "peer.a"}},
			{Target: peerset.Target{ID: "peer.b"}, Err: intent.NewError(intent.OpConnect, "peer.b", intent.KindRejected, "", nil)},
		},
	}
	k := PeerMesh{Peers: []peerset.Target{{ID: "peer.a"}, {ID: "peer.b"}}, RequireAll: true}
	if err := k.Run(context.Background(), r); err == nil {
		t.Fatalf("expected incomplete mesh error")
	}

	var handed peerset.Outcome
	k.RequireAll = false
	k.Handler = func(_ context.Context, _ Remote, out peerset.Outcome) error {
		handed = out
		return nil
	}
	if err := k.Run(context.Background(), r); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(handed.Failed()) != 1 {
		t.Fatalf("unexpected outcome got=%+v", handed)
	}
}

func TestBroadcastGroupCreateAndJoin(t *testing.T) {
	testlog.Start(t)
	r := newFakeRemote()
	noop := func(context.Context, Remote, GroupOutcome) error { return nil }
	create := BroadcastGroup{Group: "lobby", Request: session.GroupInitCreate, Handler: noop}
	if err := create.Run(context.Background(), r); err != nil {
		t.Fatalf("create: %v", err)
	}
	join := BroadcastGroup{Group: "lobby", Owner: "peer.owner", Request: session.GroupInitJoin, Handler: noop}
	if err := join.Run(context.Background(), r); err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(r.created) != 1 || len(r.joined) != 1 {
		t.Fatalf("unexpected calls created=%v joined=%v", r.created, r.joined)
	}
	if err := (BroadcastGroup{Group: "lobby"}).Run(context.Background(), r); err == nil {
		t.Fatalf("expected error for missing request type")
	}
}

func TestBuild(t *testing.T) {
	testlog.Start(t)
	k, err := Build(Spec{Kind: KindBroadcastGroup, Group: "lobby", GroupRequest: session.GroupInitCreate})
	if err != nil || k.Kind() != KindBroadcastGroup {
		t.Fatalf("build broadcast got=%v err=%v", k, err)
	}
	if _, err := Build(Spec{Kind: KindBroadcastGroup, Group: "lobby", GroupRequest: session.GroupInitJoin}); err == nil {
		t.Fatalf("expected missing owner error")
	}
	if _, err := Build(Spec{Kind: KindBroadcastGroup, Group: "lobby", Owner: "peer.owner", GroupRequest: session.GroupInitLeave}); err == nil {
		t.Fatalf("expected leave to be refused as a kernel request")
	}
	if _, err := Build(Spec{Kind: KindPeerMesh}); err == nil {
		t.Fatalf("expected missing peers error")
	}
	k, err = Build(Spec{})
	if err != nil || k.Kind() != KindEmpty {
		t.Fatalf("build default got=%v err=%v", k, err)
	}
}

package peerset

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/peerlink/internal/directory"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/intent"
	"github.com/danmuck/peerlink/internal/testutil/testlog"
	"github.com/danmuck/peerlink/internal/transport"
)

func newMesh(t *testing.T, peers ...identity.ID) (*transport.MemoryNetwork, *intent.Machine) {
	t.Helper()
	n := transport.NewMemoryNetwork()
	for _, p := range peers {
		n.Endpoint(p, nil)
	}
	ep := n.Endpoint("peer.self", nil)
	m := intent.NewMachine(intent.Config{Local: "peer.self", IntentTimeout: 5 * time.Second}, directory.New(), ep)
	t.Cleanup(m.Close)
	return n, m
}

func TestPartialFailureKeepsInputOrder(t *testing.T) {
	testlog.Start(t)
	n, m := newMesh(t, "peer.a", "peer.b", "peer.c")
	n.SetPolicy("peer.b", transport.Policy{Reject: "not today"})
	agg := New(m, Config{MaxConcurrent: 2})

	out, err := agg.Builder(ModeRegisterAndConnect).
		AddPeer("peer.a", "").
		AddPeer("peer.b", "").
		AddPeer("peer.c", "").
		Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Aggregate != AggregatePartialFailure {
		t.Fatalf("expected partial failure, got %s", out.Aggregate)
	}
	want := []identity.ID{"peer.a", "peer.b", "peer.c"}
	for i, r := range out.Results {
		if r.Target.ID != want[i] {
			t.Fatalf("result %d out of order: %s", i, r.Target.ID)
		}
	}
	if !out.Results[0].OK() || !out.Results[2].OK() {
		t.Fatalf("a and c should succeed: %+v", out.Results)
	}
	if out.Results[1].Kind() != intent.KindRejected {
		t.Fatalf("b should be rejected, got %v", out.Results[1].Err)
	}
	for _, id := range []identity.ID{"peer.a", "peer.c"} {
		if s, ok := m.Directory().Find(id); !ok || s.State != directory.StateConnected {
			t.Fatalf("%s not connected: %+v", id, s)
		}
	}
}

func TestAllSucceedIsSuccess(t *testing.T) {
	testlog.Start(t)
	_, m := newMesh(t, "peer.a", "peer.b")
	out, err := New(m, Config{}).Submit(context.Background(), []Target{{ID: "peer.a"}, {ID: "peer.b"}}, ModeRegister)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Aggregate != AggregateSuccess || len(out.Failed()) != 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Results[0].Register == nil || out.Results[0].Connect != nil {
		t.Fatalf("register mode should carry register outcomes: %+v", out.Results[0])
	}
}

func TestDeadlineCancelsSlowPeerOnly(t *testing.T) {
	testlog.Start(t)
	n, m := newMesh(t, "peer.fast", "peer.slow")
	n.SetPolicy("peer.slow", transport.Policy{Delay: 2 * time.Second})
	agg := New(m, Config{Deadline: 100 * time.Millisecond})

	start := time.Now()
	out, err := agg.Submit(context.Background(), []Target{{ID: "peer.slow"}, {ID: "peer.fast"}}, ModeRegisterAndConnect)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("submit waited for the slow peer: %v", elapsed)
	}
	if out.Results[0].Kind() != intent.KindCancelled {
		t.Fatalf("slow peer should be cancelled, got %v", out.Results[0].Err)
	}
	if !out.Results[1].OK() {
		t.Fatalf("fast peer should keep its real outcome, got %v", out.Results[1].Err)
	}
	if out.Aggregate != AggregatePartialFailure {
		t.Fatalf("expected partial failure, got %s", out.Aggregate)
	}
}

func TestDeadlineLeavesSharedIntentRunning(t *testing.T) {
	testlog.Start(t)
	n, m := newMesh(t, "peer.slow")
	n.SetPolicy("peer.slow", transport.Policy{Delay: 300 * time.Millisecond})

	errc := make(chan error, 1)
	go func() {
		_, err := m.Register(context.Background(), "peer.slow", "")
		errc <- err
	}()
	deadline := time.Now().Add(time.Second)
	for m.InFlight() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("independent register never started")
		}
		time.Sleep(time.Millisecond)
	}

	out, err := New(m, Config{Deadline: 50 * time.Millisecond}).Submit(context.Background(), []Target{{ID: "peer.slow"}}, ModeRegister)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Results[0].Kind() != intent.KindCancelled {
		t.Fatalf("aggregate entry should be cancelled, got=%v", out.Results[0].Err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("independent register lost to the aggregate deadline: %v", err)
	}
	if got := n.Handshakes("peer.slow"); got != 1 {
		t.Fatalf("handshakes got=%d want=1", got)
	}
	if s, ok := m.Directory().Find("peer.slow"); !ok || s.State != directory.StateRegistered {
		t.Fatalf("peer.slow should be registered got=%+v ok=%v", s, ok)
	}
}

func TestDuplicateTargetsRunOnce(t *testing.T) {
	testlog.Start(t)
	n, m := newMesh(t, "peer.a")
	out, err := New(m, Config{}).Submit(context.Background(), []Target{{ID: "peer.a"}, {ID: "peer.a", Alias: "again"}}, ModeRegister)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := n.Handshakes("peer.a"); got != 1 {
		t.Fatalf("duplicate submitted twice handshakes=%d", got)
	}
	if len(out.Results) != 2 || out.Results[1].Target.Alias != "again" || !out.Results[1].OK() {
		t.Fatalf("duplicate position not reported: %+v", out.Results)
	}
}

type countingIntents struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	seen     []identity.ID
}

func (c *countingIntents) Register(ctx context.Context, id identity.ID, _ string) (intent.RegisterOutcome, error) {
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	c.inFlight.Add(-1)
	c.mu.Lock()
	c.seen = append(c.seen, id)
	c.mu.Unlock()
	return intent.RegisterOutcome{ID: id}, nil
}

func (c *countingIntents) Connect(context.Context, identity.ID) (intent.ConnectOutcome, error) {
	return intent.ConnectOutcome{}, nil
}

func (c *countingIntents) RegisterAndConnect(context.Context, identity.ID, string) (intent.ConnectOutcome, error) {
	return intent.ConnectOutcome{}, nil
}

func TestMaxConcurrentBoundsInFlight(t *testing.T) {
	testlog.Start(t)
	c := &countingIntents{}
	b := New(c, Config{MaxConcurrent: 2}).Builder(ModeRegister)
	for _, id := range []identity.ID{"peer.a", "peer.b", "peer.c", "peer.d", "peer.e"} {
		b.AddPeer(id, "")
	}
	if b.Len() != 5 {
		t.Fatalf("builder len got=%d", b.Len())
	}
	out, err := b.Submit(context.Background())
	if err != nil || out.Aggregate != AggregateSuccess {
		t.Fatalf("submit got=%+v err=%v", out, err)
	}
	if peak := c.peak.Load(); peak > 2 {
		t.Fatalf("concurrency exceeded limit peak=%d", peak)
	}
	if len(c.seen) != 5 {
		t.Fatalf("not every target ran: %v", c.seen)
	}
}

func TestUnknownModeRejected(t *testing.T) {
	testlog.Start(t)
	if _, err := New(&countingIntents{}, Config{}).Submit(context.Background(), nil, Mode(42)); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

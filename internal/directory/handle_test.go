package directory

import (
	"testing"

	"github.com/danmuck/peerlink/internal/testutil/testlog"
)

func TestHandleResolveFollowsDirectory(t *testing.T) {
	testlog.Start(t)
	d := New()
	connect(t, d, "peer.a")
	_ = d.SetAlias("peer.a", "alice")
	h, ok := d.Handle("peer.a")
	if !ok {
		t.Fatalf("expected handle")
	}
	if h.ID() != "peer.a" || h.Alias() != "alice" {
		t.Fatalf("unexpected handle id=%s alias=%s", h.ID(), h.Alias())
	}
	s, ok := h.Resolve()
	if !ok || s.State != StateConnected {
		t.Fatalf("resolve got=%+v ok=%v", s, ok)
	}

	d.Remove("peer.a")
	if _, ok := h.Resolve(); ok {
		t.Fatalf("handle should not resolve after removal")
	}
}

func TestHandleResolveAfterSlotReuse(t *testing.T) {
	testlog.Start(t)
	d := New()
	connect(t, d, "peer.a")
	stale, _ := d.Handle("peer.a")
	d.Remove("peer.a")
	connect(t, d, "peer.b")
	if _, ok := stale.Resolve(); ok {
		t.Fatalf("recycled slot must not resolve to another identity")
	}
	connect(t, d, "peer.a")
	s, ok := stale.Resolve()
	if !ok || s.ID != "peer.a" {
		t.Fatalf("re-established identity should resolve got=%+v ok=%v", s, ok)
	}
}

func TestHandleEqualComparesIdentity(t *testing.T) {
	testlog.Start(t)
	d := New()
	other := New()
	connect(t, d, "peer.a")
	connect(t, other, "peer.a")
	a, _ := d.Handle("peer.a")
	b, _ := other.Handle("peer.a")
	if !a.Equal(b) {
		t.Fatalf("handles with the same id should be equal")
	}
	var zero Handle
	if !zero.IsZero() {
		t.Fatalf("zero handle should report IsZero")
	}
	if _, ok := zero.Resolve(); ok {
		t.Fatalf("zero handle should not resolve")
	}
}

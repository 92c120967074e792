package identity

import (
	"errors"
	"testing"

	"github.com/danmuck/peerlink/internal/testutil/testlog"
)

func TestParseNormalizesAndValidates(t *testing.T) {
	testlog.Start(t)
	id, err := Parse("  Server.Alpha ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != "server.alpha" {
		t.Fatalf("unexpected id=%q", id)
	}

	for _, raw := range []string{".lead", "trail-", "dou..ble", "spa ce", "UPPER!"} {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("raw=%q expected ErrInvalidID, got %v", raw, err)
		}
	}
	if _, err := Parse("   "); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("expected ErrEmptyID, got %v", err)
	}
}

func TestCIDRoundTrip(t *testing.T) {
	testlog.Start(t)
	id := FromCID(4242)
	cid, ok := id.CID()
	if !ok || cid != 4242 {
		t.Fatalf("cid got=%d ok=%v", cid, ok)
	}
	if _, ok := ID("peer.a").CID(); ok {
		t.Fatalf("symmetric name should not parse as cid")
	}
}

func TestParseListReportsIndex(t *testing.T) {
	testlog.Start(t)
	_, err := ParseList([]string{"peer.a", "bad name"})
	if !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if err.Error() != `ids[1]: identity: invalid id: "bad name"` {
		t.Fatalf("unexpected error text: %v", err)
	}
}

func TestNamedString(t *testing.T) {
	testlog.Start(t)
	if got := (Named{ID: "peer.a"}).String(); got != "peer.a" {
		t.Fatalf("got=%q", got)
	}
	if got := (Named{ID: "peer.a", Alias: "Alice"}).String(); got != "Alice(peer.a)" {
		t.Fatalf("got=%q", got)
	}
}

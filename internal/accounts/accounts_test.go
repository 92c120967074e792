package accounts

import (
	"errors"
	"testing"

	"github.com/danmuck/peerlink/internal/testutil/testlog"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	bs, err := OpenBolt(t.TempDir())
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { _ = bs.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bs,
	}
}

func TestRegisterAssignsIncreasingCIDs(t *testing.T) {
	testlog.Start(t)
	for name, s := range stores(t) {
		a, err := s.Register("peer.a", "alice")
		if err != nil {
			t.Fatalf("%s register a: %v", name, err)
		}
		b, err := s.Register("peer.b", "")
		if err != nil {
			t.Fatalf("%s register b: %v", name, err)
		}
		if a.CID == 0 || b.CID <= a.CID {
			t.Fatalf("%s cids not increasing a=%d b=%d", name, a.CID, b.CID)
		}
		got, err := s.Lookup("peer.a")
		if err != nil || got.Alias != "alice" || got.CID != a.CID {
			t.Fatalf("%s lookup got=%+v err=%v", name, got, err)
		}
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	testlog.Start(t)
	for name, s := range stores(t) {
		if _, err := s.Register("peer.a", ""); err != nil {
			t.Fatalf("%s register: %v", name, err)
		}
		if _, err := s.Register("peer.a", ""); !errors.Is(err, ErrAlreadyRegistered) {
			t.Fatalf("%s expected ErrAlreadyRegistered, got %v", name, err)
		}
	}
}

func TestLookupAndRemove(t *testing.T) {
	testlog.Start(t)
	for name, s := range stores(t) {
		if _, err := s.Lookup("peer.x"); !errors.Is(err, ErrUnknownAccount) {
			t.Fatalf("%s expected ErrUnknownAccount, got %v", name, err)
		}
		_, _ = s.Register("peer.x", "")
		if err := s.Remove("peer.x"); err != nil {
			t.Fatalf("%s remove: %v", name, err)
		}
		if err := s.Remove("peer.x"); err != nil {
			t.Fatalf("%s remove twice: %v", name, err)
		}
		list, err := s.List()
		if err != nil || len(list) != 0 {
			t.Fatalf("%s list got=%v err=%v", name, list, err)
		}
	}
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	s, err := OpenBolt(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first, _ := s.Register("peer.a", "")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s, err = OpenBolt(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if got, err := s.Lookup("peer.a"); err != nil || got.CID != first.CID {
		t.Fatalf("persisted account got=%+v err=%v", got, err)
	}
	next, _ := s.Register("peer.b", "")
	if next.CID <= first.CID {
		t.Fatalf("sequence reset after reopen first=%d next=%d", first.CID, next.CID)
	}
}

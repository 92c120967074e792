package directory

import "github.com/danmuck/peerlink/internal/identity"

// Handle is a cheap, copyable reference to one identity in a Directory. It
// never owns the session.
type Handle struct {
	dir   *Directory
	id    identity.ID
	alias string
	slot  int
	gen   uint64
}

func (h Handle) ID() identity.ID { return h.id }

func (h Handle) Alias() string { return h.alias }

// IsZero reports whether h was never bound to a directory.
func (h Handle) IsZero() bool { return h.dir == nil }

// Equal reports whether h and other name the same identity.
func (h Handle) Equal(other Handle) bool { return h.id == other.id }

// Resolve returns the current session for the handle's identity. It reports
// false once the session was removed.
func (h Handle) Resolve() (Session, bool) {
	if h.dir == nil {
		return Session{}, false
	}
	h.dir.mu.RLock()
	defer h.dir.mu.RUnlock()
	if h.slot < len(h.dir.slots) {
		s := h.dir.slots[h.slot]
		if s.used && s.gen == h.gen && s.sess.ID == h.id {
			return s.sess, true
		}
	}
	// slot was recycled; the identity may have been re-established elsewhere
	idx, ok := h.dir.index[h.id]
	if !ok {
		return Session{}, false
	}
	return h.dir.slots[idx].sess, true
}

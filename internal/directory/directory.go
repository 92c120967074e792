// Package directory is the single source of truth for which remote
// identities a node holds sessions with and which peers it can reach.
//
// Sessions live in an arena of slots indexed by identity. Handles keep the
// slot and its generation so Resolve is a constant-time lookup that notices
// when a slot was recycled for another identity.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidTransition = errors.New("directory: invalid transition")
	ErrUnknownIdentity   = errors.New("directory: unknown identity")
)

// Registration is the metadata a server assigned on registration success.
type Registration struct {
	CID          uint64    `json:"cid"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Session is a snapshot of the session held with one remote identity.
type Session struct {
	ID           identity.ID   `json:"id"`
	Alias        string        `json:"alias,omitempty"`
	State        State         `json:"state"`
	Failure      string        `json:"failure,omitempty"`
	Ref          transport.Ref `json:"ref"`
	Registration *Registration `json:"registration,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Registered reports whether the session carries registration metadata.
func (s Session) Registered() bool {
	return s.Registration != nil
}

// PeerEntry is a directly reachable peer.
type PeerEntry struct {
	ID           identity.ID `json:"id"`
	Alias        string      `json:"alias,omitempty"`
	Addr         string      `json:"addr,omitempty"`
	Connected    bool        `json:"connected"`
	IntroducedBy identity.ID `json:"introduced_by,omitempty"`
	LearnedAt    time.Time   `json:"learned_at"`
}

// Change is delivered to watchers after every state change.
type Change struct {
	ID      identity.ID
	From    State
	To      State
	Removed bool
	Session Session
}

type slot struct {
	gen  uint64
	used bool
	sess Session
}

// Directory is safe for concurrent use. Its lock covers one operation and is
// never held while watchers run.
type Directory struct {
	mu       sync.RWMutex
	slots    []slot
	index    map[identity.ID]int
	free     []int
	peers    map[identity.ID]PeerEntry
	watchers []func(Change)
	now      func() time.Time
}

func New() *Directory {
	return &Directory{
		index: make(map[identity.ID]int),
		peers: make(map[identity.ID]PeerEntry),
		now:   time.Now,
	}
}

// Watch registers fn to observe every transition and removal.
func (d *Directory) Watch(fn func(Change)) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.watchers = append(d.watchers, fn)
	d.mu.Unlock()
}

// Upsert inserts id in state or moves its session to state. Applying the
// current state again is a no-op.
func (d *Directory) Upsert(id identity.ID, state State) (Session, error) {
	d.mu.Lock()
	idx, ok := d.index[id]
	if !ok {
		if state == StateClosed {
			d.mu.Unlock()
			return Session{ID: id, State: StateClosed}, nil
		}
		if !CanTransition(StateUnregistered, false, state) {
			d.mu.Unlock()
			return Session{}, transitionError(id.String(), StateUnregistered, state)
		}
		idx = d.alloc()
		d.slots[idx].sess = Session{ID: id, State: state, UpdatedAt: d.now()}
		d.index[id] = idx
		sess := d.slots[idx].sess
		d.syncPeer(sess)
		watchers := d.watchers
		d.mu.Unlock()
		notify(watchers, Change{ID: id, From: StateUnregistered, To: state, Session: sess})
		log.Debug().Msgf("directory.Upsert id=%s %s -> %s", id, StateUnregistered, state)
		return sess, nil
	}

	cur := d.slots[idx].sess
	if cur.State == state {
		d.mu.Unlock()
		return cur, nil
	}
	if !CanTransition(cur.State, cur.Registered(), state) {
		d.mu.Unlock()
		return cur, transitionError(id.String(), cur.State, state)
	}
	next := cur
	next.State = state
	next.UpdatedAt = d.now()
	if state != StateFailed {
		next.Failure = ""
	}
	if state == StateRegistering {
		next.Registration = nil
		next.Ref = transport.Ref{}
	}
	d.slots[idx].sess = next
	d.syncPeer(next)
	watchers := d.watchers
	d.mu.Unlock()

	notify(watchers, Change{ID: id, From: cur.State, To: state, Session: next})
	log.Debug().Msgf("directory.Upsert id=%s %s -> %s", id, cur.State, state)
	return next, nil
}

// Fail moves id to Failed and records reason.
func (d *Directory) Fail(id identity.ID, reason string) (Session, error) {
	d.mu.Lock()
	idx, ok := d.index[id]
	if !ok {
		d.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	cur := d.slots[idx].sess
	if !CanTransition(cur.State, cur.Registered(), StateFailed) {
		d.mu.Unlock()
		return cur, transitionError(id.String(), cur.State, StateFailed)
	}
	next := cur
	next.State = StateFailed
	next.Failure = reason
	next.Ref = transport.Ref{}
	next.UpdatedAt = d.now()
	d.slots[idx].sess = next
	d.syncPeer(next)
	watchers := d.watchers
	d.mu.Unlock()

	if cur.State != StateFailed {
		notify(watchers, Change{ID: id, From: cur.State, To: StateFailed, Session: next})
	}
	log.Debug().Msgf("directory.Fail id=%s from=%s reason=%q", id, cur.State, reason)
	return next, nil
}

// SetAlias records the human-readable alias for id.
func (d *Directory) SetAlias(id identity.ID, alias string) error {
	return d.update(id, func(s *Session) { s.Alias = alias })
}

// SetRef records the live transport reference for id.
func (d *Directory) SetRef(id identity.ID, ref transport.Ref) error {
	return d.update(id, func(s *Session) { s.Ref = ref })
}

// SetRegistration records the registration metadata for id.
func (d *Directory) SetRegistration(id identity.ID, reg Registration) error {
	return d.update(id, func(s *Session) {
		r := reg
		s.Registration = &r
	})
}

func (d *Directory) update(id identity.ID, fn func(*Session)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	fn(&d.slots[idx].sess)
	d.slots[idx].sess.UpdatedAt = d.now()
	return nil
}

// Find returns the session held with id.
func (d *Directory) Find(id identity.ID) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	idx, ok := d.index[id]
	if !ok {
		return Session{}, false
	}
	return d.slots[idx].sess, true
}

// Remove drops the session and the reachable-peer entry for id. Unknown ids
// are ignored.
func (d *Directory) Remove(id identity.ID) {
	d.mu.Lock()
	_, hadPeer := d.peers[id]
	delete(d.peers, id)
	idx, ok := d.index[id]
	if !ok {
		d.mu.Unlock()
		if hadPeer {
			log.Debug().Msgf("directory.Remove id=%s peer_only=true", id)
		}
		return
	}
	cur := d.slots[idx].sess
	delete(d.index, id)
	d.slots[idx] = slot{gen: d.slots[idx].gen + 1}
	d.free = append(d.free, idx)
	watchers := d.watchers
	d.mu.Unlock()

	notify(watchers, Change{ID: id, From: cur.State, To: StateClosed, Removed: true, Session: cur})
	log.Debug().Msgf("directory.Remove id=%s state=%s", id, cur.State)
}

// Sessions returns a snapshot of every session ordered by identity.
func (d *Directory) Sessions() []Session {
	d.mu.RLock()
	out := make([]Session, 0, len(d.index))
	for _, idx := range d.index {
		out = append(out, d.slots[idx].sess)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddReachable records or refreshes a reachable peer. Connected is derived
// from the session table and any existing LearnedAt is kept.
func (d *Directory) AddReachable(entry PeerEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.peers[entry.ID]; ok {
		if entry.Alias == "" {
			entry.Alias = prev.Alias
		}
		if entry.Addr == "" {
			entry.Addr = prev.Addr
		}
		if entry.IntroducedBy.IsZero() {
			entry.IntroducedBy = prev.IntroducedBy
		}
		entry.LearnedAt = prev.LearnedAt
	}
	if entry.LearnedAt.IsZero() {
		entry.LearnedAt = d.now()
	}
	entry.Connected = false
	if idx, ok := d.index[entry.ID]; ok {
		entry.Connected = d.slots[idx].sess.State == StateConnected
	}
	d.peers[entry.ID] = entry
}

// RemoveReachable forgets a reachable peer without touching its session.
func (d *Directory) RemoveReachable(id identity.ID) {
	d.mu.Lock()
	delete(d.peers, id)
	d.mu.Unlock()
}

// ListReachablePeers returns a snapshot of reachable peers ordered by identity.
func (d *Directory) ListReachablePeers() []PeerEntry {
	d.mu.RLock()
	out := make([]PeerEntry, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Handle returns a handle for id. The handle is valid only while the
// session it was taken from stays in the directory.
func (d *Directory) Handle(id identity.ID) (Handle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	idx, ok := d.index[id]
	if !ok {
		return Handle{}, false
	}
	return Handle{
		dir:   d,
		id:    id,
		alias: d.slots[idx].sess.Alias,
		slot:  idx,
		gen:   d.slots[idx].gen,
	}, true
}

// Len returns the number of sessions.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index)
}

func (d *Directory) alloc() int {
	if n := len(d.free); n > 0 {
		idx := d.free[n-1]
		d.free = d.free[:n-1]
		d.slots[idx].used = true
		return idx
	}
	d.slots = append(d.slots, slot{used: true})
	return len(d.slots) - 1
}

// syncPeer keeps reachable-peer connectivity in step with the session.
// Caller holds mu.
func (d *Directory) syncPeer(sess Session) {
	p, ok := d.peers[sess.ID]
	if !ok {
		return
	}
	p.Connected = sess.State == StateConnected
	d.peers[sess.ID] = p
}

func notify(watchers []func(Change), c Change) {
	for _, fn := range watchers {
		fn(c)
	}
}

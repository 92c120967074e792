package accounts

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/peerlink/internal/identity"
)

// MemoryStore keeps accounts in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[identity.ID]Account
	nextCID  uint64
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[identity.ID]Account)}
}

func (s *MemoryStore) Register(id identity.ID, alias string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Account{}, ErrClosed
	}
	if _, ok := s.accounts[id]; ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	s.nextCID++
	acct := Account{ID: id, Alias: alias, CID: s.nextCID, RegisteredAt: time.Now().UTC()}
	s.accounts[id] = acct
	return acct, nil
}

func (s *MemoryStore) Lookup(id identity.ID) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Account{}, ErrClosed
	}
	acct, ok := s.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return acct, nil
}

func (s *MemoryStore) Remove(id identity.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.accounts, id)
	return nil
}

func (s *MemoryStore) List() ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CID < out[j].CID })
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

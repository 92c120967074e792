// Package accounts is the server-side registration registry. A server
// answers register handshakes by creating an account and answers connect
// handshakes only for identities that hold one.
package accounts

import (
	"errors"
	"time"

	"github.com/danmuck/peerlink/internal/identity"
)

var (
	ErrAlreadyRegistered = errors.New("accounts: already registered")
	ErrUnknownAccount    = errors.New("accounts: unknown account")
	ErrClosed            = errors.New("accounts: store closed")
)

// Account is one registered identity.
type Account struct {
	ID           identity.ID `json:"id"`
	Alias        string      `json:"alias,omitempty"`
	CID          uint64      `json:"cid"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// Store persists accounts. Implementations are safe for concurrent use.
type Store interface {
	// Register creates an account for id and assigns it a cid. Registering an
	// id twice fails with ErrAlreadyRegistered.
	Register(id identity.ID, alias string) (Account, error)
	// Lookup returns the account for id or ErrUnknownAccount.
	Lookup(id identity.ID) (Account, error)
	// Remove deletes the account for id. Removing an unknown id is not an error.
	Remove(id identity.ID) error
	List() ([]Account, error)
	Close() error
}

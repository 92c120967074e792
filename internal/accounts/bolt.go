package accounts

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/danmuck/peerlink/internal/identity"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

// DBFile is the name of the account database inside the data directory.
const DBFile = "accounts.db"

var bucketAccounts = []byte("accounts")

// BoltStore persists accounts in a bbolt database. CIDs come from the
// bucket sequence so they survive restarts.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the account database under dir.
func OpenBolt(dir string) (*BoltStore, error) {
	path := filepath.Join(dir, DBFile)
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("accounts: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAccounts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Msgf("accounts.OpenBolt path=%s", path)
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Register(id identity.ID, alias string) (Account, error) {
	var acct Account
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAccounts)
		key := []byte(id)
		if bkt.Get(key) != nil {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
		}
		cid, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		acct = Account{ID: id, Alias: alias, CID: cid, RegisteredAt: time.Now().UTC()}
		data, err := json.Marshal(acct)
		if err != nil {
			return err
		}
		return bkt.Put(key, data)
	})
	if err != nil {
		return Account{}, s.wrap(err)
	}
	return acct, nil
}

func (s *BoltStore) Lookup(id identity.ID) (Account, error) {
	var acct Account
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
		}
		return json.Unmarshal(data, &acct)
	})
	if err != nil {
		return Account{}, s.wrap(err)
	}
	return acct, nil
}

func (s *BoltStore) Remove(id identity.ID) error {
	return s.wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).Delete([]byte(id))
	}))
}

func (s *BoltStore) List() ([]Account, error) {
	var out []Account
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(_, v []byte) error {
			var a Account
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CID < out[j].CID })
	return out, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) wrap(err error) error {
	if err == bolt.ErrDatabaseNotOpen {
		return ErrClosed
	}
	return err
}

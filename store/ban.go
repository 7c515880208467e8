// Package store holds the persistent state kept outside of process
// memory: the ban store (spec.md §4.6, C7) and the discovery cache of
// previously reached peer addresses (C10).
package store

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/log"
)

var logger = log.NewModuleLogger(log.P2PBan)

// BanEntry identifies either a banned node id or a banned IP address.
// Exactly one of ID/Addr is set.
type BanEntry struct {
	ID   *common.NodeID
	Addr net.IP
}

// ByID builds a BanEntry for a node id.
func ByID(id common.NodeID) BanEntry { return BanEntry{ID: &id} }

// ByAddr builds a BanEntry for an IP address.
func ByAddr(addr net.IP) BanEntry { return BanEntry{Addr: addr} }

func (e BanEntry) key() []byte {
	if e.ID != nil {
		k := make([]byte, 9)
		k[0] = 'i'
		binary.BigEndian.PutUint64(k[1:], uint64(*e.ID))
		return k
	}
	ip := e.Addr.To16()
	k := make([]byte, 1+len(ip))
	k[0] = 'a'
	copy(k[1:], ip)
	return k
}

func (e BanEntry) String() string {
	if e.ID != nil {
		return fmt.Sprintf("node %s", e.ID.String())
	}
	return fmt.Sprintf("addr %s", e.Addr.String())
}

// BanStore is a persistent key/value mapping from a serialized BanEntry
// to an expiry timestamp. The expiry field is carried but not enforced:
// per spec.md Design Note (b), ban expiry is reserved for a future
// policy decision and deliberately left unused here.
type BanStore struct {
	db *badger.DB
}

// OpenBanStore opens (creating if necessary) the ban store file under dir.
func OpenBanStore(dir string) (*BanStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "store: create ban store directory")
	}
	opts := badger.DefaultOptions(dir)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "store: open ban store")
	}
	return &BanStore{db: db}, nil
}

// Close releases the underlying badger handles.
func (s *BanStore) Close() error {
	return s.db.Close()
}

// Ban persists entry with the given expiry (currently unused; 0 means
// "no expiry policy applied"). Atomic with respect to a single write
// transaction.
func (s *BanStore) Ban(entry BanEntry, expiry uint64) error {
	var val [8]byte
	binary.BigEndian.PutUint64(val[:], expiry)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entry.key(), val[:])
	})
	if err != nil {
		return errors.Wrapf(err, "store: ban %s", entry)
	}
	return nil
}

// Unban removes entry from the store.
func (s *BanStore) Unban(entry BanEntry) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(entry.key())
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "store: unban %s", entry)
	}
	return nil
}

// IsBanned reports whether entry is currently banned.
func (s *BanStore) IsBanned(entry BanEntry) (bool, error) {
	banned := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(entry.key())
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		banned = true
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "store: is-banned %s", entry)
	}
	return banned, nil
}

// List returns every currently-banned entry.
func (s *BanStore) List() ([]BanEntry, error) {
	var out []BanEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			out = append(out, parseKey(k))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: list bans")
	}
	return out, nil
}

// Clear removes every entry from the store.
func (s *BanStore) Clear() error {
	entries, err := s.List()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			if err := txn.Delete(e.key()); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

func parseKey(k []byte) BanEntry {
	if len(k) == 0 {
		return BanEntry{}
	}
	switch k[0] {
	case 'i':
		id := common.NodeID(binary.BigEndian.Uint64(k[1:]))
		return ByID(id)
	case 'a':
		return ByAddr(net.IP(k[1:]))
	default:
		return BanEntry{}
	}
}

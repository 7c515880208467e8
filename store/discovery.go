package store

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/catchupnet/conode/log"
)

var discoveryLogger = log.NewModuleLogger(log.P2PBootstrap)

// DiscoveryCache persists the last-known-good bootstrap peer addresses
// across restarts (spec.md §9 supplemented feature: the original's
// unreachable-node tracking pairs with a small address cache so a
// restarted node does not have to re-resolve bootstrap DNS to recall
// peers it successfully connected to last session).
type DiscoveryCache struct {
	db *leveldb.DB
}

// OpenDiscoveryCache opens (creating if necessary) the cache file under dir.
func OpenDiscoveryCache(dir string) (*DiscoveryCache, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, errors.Wrap(err, "store: open discovery cache")
	}
	return &DiscoveryCache{db: db}, nil
}

// Close releases the underlying leveldb handles.
func (c *DiscoveryCache) Close() error { return c.db.Close() }

// Remember records addr as a peer worth reconnecting to on next startup.
func (c *DiscoveryCache) Remember(addr string) error {
	err := c.db.Put([]byte("addr:"+addr), []byte{1}, nil)
	if err != nil {
		return errors.Wrapf(err, "store: remember %s", addr)
	}
	return nil
}

// Forget removes addr from the cache, e.g. once connect attempts to it
// have failed several times in a row.
func (c *DiscoveryCache) Forget(addr string) error {
	err := c.db.Delete([]byte("addr:"+addr), nil)
	if err != nil && err != leveldb.ErrNotFound {
		return errors.Wrapf(err, "store: forget %s", addr)
	}
	return nil
}

// Addresses returns every remembered address.
func (c *DiscoveryCache) Addresses() ([]string, error) {
	iter := c.db.NewIterator(nil, nil)
	defer iter.Release()
	var out []string
	for iter.Next() {
		k := string(iter.Key())
		if addr, ok := strings.CutPrefix(k, "addr:"); ok {
			out = append(out, addr)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "store: iterate discovery cache")
	}
	return out, nil
}

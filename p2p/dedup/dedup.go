// Package dedup implements the two replay-suppression windows described
// in spec.md §4.2 (C3): a small, LRU-evicted short window for the fast
// path (transactions) and a much larger long window for blocks and
// finalization records.
package dedup

import (
	"crypto/sha256"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	lru "github.com/hashicorp/golang-lru"

	"github.com/catchupnet/conode/log"
)

var logger = log.NewModuleLogger(log.P2PDedup)

// Key is a content hash derived from a packet's payload.
type Key [sha256.Size]byte

// HashPayload derives the dedup key for a packet payload.
func HashPayload(b []byte) Key {
	return sha256.Sum256(b)
}

// Queues holds the short and long dedup windows. The short window backs
// transactions/fast-path packets (hashicorp/golang-lru, true LRU
// eviction suits its small, hot working set); the long window backs
// blocks/finalization records (VictoriaMetrics/fastcache, a byte-
// oriented cache that stays GC-friendly at the larger 65536-entry size).
type Queues struct {
	mu    sync.Mutex
	short *lru.Cache
	long  *fastcache.Cache
}

// NewQueues builds dedup queues. shortSize is the short window's entry
// count. The long window is sized in bytes, not entries: longSize * 64
// bytes with a floor of 32 MiB, so it holds at least longSize hash keys
// and evicts by fastcache's own byte budget rather than at exactly
// longSize entries.
func NewQueues(shortSize, longSize int) (*Queues, error) {
	short, err := lru.New(shortSize)
	if err != nil {
		return nil, err
	}
	const minLongCacheBytes = 32 * 1024 * 1024 // fastcache's practical floor
	longMaxBytes := longSize * 64
	if longMaxBytes < minLongCacheBytes {
		longMaxBytes = minLongCacheBytes
	}
	return &Queues{
		short: short,
		long:  fastcache.New(longMaxBytes),
	}, nil
}

// InsertShort inserts key into the short window and reports whether it
// was already present.
func (q *Queues) InsertShort(key Key) (alreadyPresent bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.short.Contains(key) {
		return true
	}
	q.short.Add(key, struct{}{})
	return false
}

// InsertLong inserts key into the long window and reports whether it
// was already present.
func (q *Queues) InsertLong(key Key) (alreadyPresent bool) {
	if q.long.Has(key[:]) {
		return true
	}
	q.long.Set(key[:], []byte{1})
	return false
}

// IsDuplicateTransaction inserts payload's hash into the short window
// and reports whether this exact payload was already seen.
func (q *Queues) IsDuplicateTransaction(payload []byte) bool {
	return q.InsertShort(HashPayload(payload))
}

// IsDuplicateBlock inserts payload's hash into the long window and
// reports whether this exact payload was already seen.
func (q *Queues) IsDuplicateBlock(payload []byte) bool {
	return q.InsertLong(HashPayload(payload))
}

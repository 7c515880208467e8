// Package bucket implements the known-peer directory described in
// spec.md §4.3 (C4): a flat set of peers grouped by locality (the
// original ran several locality buckets; like the teacher's reference
// implementation this module keeps a single bucket, per spec Design
// Notes and original_source/network/buckets.rs's BUCKET_COUNT = 1).
package bucket

import (
	"math/rand"
	"sync"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/log"
)

var logger = log.NewModuleLogger(log.P2PBucket)

// Entry is a known peer plus the networks it last advertised and when
// it was last seen.
type Entry struct {
	Peer     common.Peer
	Networks map[common.NetworkID]struct{}
	LastSeen uint64
}

// Filter narrows the peers returned by All/RandomSample.
type Filter struct {
	NotSelf          *common.NodeID
	SenderExcluded   *common.NodeID
	NetworksIntersect map[common.NetworkID]struct{}
}

func (f Filter) matches(e Entry) bool {
	if f.NotSelf != nil && e.Peer.ID == *f.NotSelf {
		return false
	}
	if f.SenderExcluded != nil && e.Peer.ID == *f.SenderExcluded {
		return false
	}
	if len(f.NetworksIntersect) > 0 {
		if !intersects(e.Networks, f.NetworksIntersect) {
			return false
		}
	}
	return true
}

func intersects(a, b map[common.NetworkID]struct{}) bool {
	for n := range a {
		if _, ok := b[n]; ok {
			return true
		}
	}
	return false
}

// Buckets is the node's single known-peer directory. All and
// RandomSample never return Bootstrapper peers (spec.md §4.3).
type Buckets struct {
	mu      sync.RWMutex
	entries map[common.NodeID]Entry
}

// New returns an empty bucket directory.
func New() *Buckets {
	return &Buckets{entries: make(map[common.NodeID]Entry)}
}

// Insert adds or replaces a peer's entry, stamping it as seen now.
func (b *Buckets) Insert(peer common.Peer, networks map[common.NetworkID]struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[peer.ID] = Entry{Peer: peer, Networks: networks, LastSeen: common.CurrentStampMillis()}
}

// UpdateNetworks replaces the tracked network set for a known peer,
// re-stamping its last-seen time. If the peer isn't known yet, this
// behaves like Insert.
func (b *Buckets) UpdateNetworks(peer common.Peer, networks map[common.NetworkID]struct{}) {
	b.Insert(peer, networks)
}

// All returns every entry's peer matching filter, excluding Bootstrapper peers.
func (b *Buckets) All(filter Filter) []common.Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]common.Peer, 0, len(b.entries))
	for _, e := range b.entries {
		if e.Peer.Kind == common.KindBootstrapper {
			continue
		}
		if filter.matches(e) {
			out = append(out, e.Peer)
		}
	}
	return out
}

// RandomSample returns up to n peers matching filter, excluding
// Bootstrapper peers and the sender itself.
func (b *Buckets) RandomSample(sender common.NodeID, n int, networks map[common.NetworkID]struct{}) []common.Peer {
	filter := Filter{SenderExcluded: &sender, NetworksIntersect: networks}
	candidates := b.All(filter)
	if n >= len(candidates) {
		return candidates
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	return candidates[:n]
}

// Len reports the total number of (peer, network) associations, matching
// the original's Buckets::len (sum of each entry's network-set size).
func (b *Buckets) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, e := range b.entries {
		total += len(e.Networks)
	}
	return total
}

// IsEmpty reports whether the directory holds no entries at all.
func (b *Buckets) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries) == 0
}

// Clean purges entries last seen before cutoffMillis.
func (b *Buckets) Clean(cutoffMillis uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.entries {
		if e.LastSeen < cutoffMillis {
			delete(b.entries, id)
		}
	}
	logger.Trace("bucket cleanup complete", "remaining", len(b.entries))
}

// Remove drops a single peer's entry, e.g. once it is confirmed banned.
func (b *Buckets) Remove(id common.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
}

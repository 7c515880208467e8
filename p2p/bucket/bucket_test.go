package bucket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/catchupnet/conode/common"
)

func peerWithID(id uint64, kind common.PeerKind) common.Peer {
	return common.Peer{
		ID:   common.NodeID(id),
		Addr: net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 30303},
		Kind: kind,
	}
}

func TestAllExcludesBootstrapperPeers(t *testing.T) {
	b := New()
	b.Insert(peerWithID(1, common.KindNode), nil)
	b.Insert(peerWithID(2, common.KindBootstrapper), nil)

	peers := b.All(Filter{})
	assert.Len(t, peers, 1)
	assert.Equal(t, common.NodeID(1), peers[0].ID)
}

func TestAllFiltersBySelfAndNetworks(t *testing.T) {
	b := New()
	self := common.NodeID(1)
	b.Insert(peerWithID(1, common.KindNode), map[common.NetworkID]struct{}{1: {}})
	b.Insert(peerWithID(2, common.KindNode), map[common.NetworkID]struct{}{2: {}})
	b.Insert(peerWithID(3, common.KindNode), map[common.NetworkID]struct{}{1: {}, 2: {}})

	peers := b.All(Filter{NotSelf: &self, NetworksIntersect: map[common.NetworkID]struct{}{1: {}}})
	ids := map[common.NodeID]bool{}
	for _, p := range peers {
		ids[p.ID] = true
	}
	assert.False(t, ids[common.NodeID(1)], "self excluded")
	assert.False(t, ids[common.NodeID(2)], "no shared network")
	assert.True(t, ids[common.NodeID(3)], "shares network 1")
}

func TestRandomSampleNeverExceedsRequestedCount(t *testing.T) {
	b := New()
	for i := uint64(1); i <= 10; i++ {
		b.Insert(peerWithID(i, common.KindNode), nil)
	}
	sample := b.RandomSample(common.NodeID(0), 3, nil)
	assert.Len(t, sample, 3)
}

func TestCleanPurgesStaleEntries(t *testing.T) {
	b := New()
	b.Insert(peerWithID(1, common.KindNode), nil)
	assert.Equal(t, 0, b.Len()) // Len counts network associations, not peers.
	assert.False(t, b.IsEmpty())

	future := common.CurrentStampMillis() + uint64(time.Hour.Milliseconds())
	b.Clean(future)
	assert.True(t, b.IsEmpty())
}

func TestRemoveDropsPeer(t *testing.T) {
	b := New()
	b.Insert(peerWithID(1, common.KindNode), map[common.NetworkID]struct{}{1: {}})
	assert.Equal(t, 1, b.Len())
	b.Remove(common.NodeID(1))
	assert.True(t, b.IsEmpty())
}

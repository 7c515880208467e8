package router

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/consensus"
	"github.com/catchupnet/conode/p2p/catchup"
)

type fakeSink struct {
	mu         sync.Mutex
	sent       []common.NodeID
	broadcasts int
}

func (f *fakeSink) SendPacket(target common.NodeID, p common.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, target)
	return nil
}

func (f *fakeSink) BroadcastPacket(p common.Packet, exclude map[common.NodeID]struct{}, networkID common.NetworkID, relayPercentage float64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	return 3
}

type fakeEngine struct {
	consensus.NopEngine
	result consensus.ProcessResult
}

func (f fakeEngine) ProcessBlock(common.NodeID, []byte) consensus.ProcessResult { return f.result }
func (f fakeEngine) ProcessTransaction(common.NodeID, []byte) consensus.ProcessResult {
	return f.result
}

func packetBytes(t PacketType, payload []byte) []byte {
	b := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(b[:2], uint16(t))
	copy(b[2:], payload)
	return b
}

func TestDeliverPacketRoutesTransactionsToLowQueue(t *testing.T) {
	peers := catchup.New(30_000)
	sink := &fakeSink{}
	r := New(Config{Engine: consensus.NopEngine{}, Peers: peers, Sink: sink, InboundQueueCapacity: 4})

	r.DeliverPacket(common.NodeID(1), 0, packetBytes(PacketTransaction, []byte("tx")), false, nil)
	assert.False(t, r.PumpHigh(0), "transaction must not land in the high queue")
	assert.True(t, r.PumpLow(0))
}

func TestDeliverPacketRoutesBlocksToHighQueue(t *testing.T) {
	peers := catchup.New(30_000)
	sink := &fakeSink{}
	r := New(Config{Engine: consensus.NopEngine{}, Peers: peers, Sink: sink, InboundQueueCapacity: 4})

	r.DeliverPacket(common.NodeID(1), 0, packetBytes(PacketBlock, []byte("blk")), false, nil)
	assert.True(t, r.PumpHigh(0))
	assert.False(t, r.PumpLow(0))
}

func TestDeliverPacketDropsUnknownPacketType(t *testing.T) {
	peers := catchup.New(30_000)
	sink := &fakeSink{}
	r := New(Config{Engine: consensus.NopEngine{}, Peers: peers, Sink: sink, InboundQueueCapacity: 4})

	r.DeliverPacket(common.NodeID(1), 0, packetBytes(PacketType(999), []byte("x")), false, nil)
	assert.False(t, r.PumpHigh(0))
	assert.False(t, r.PumpLow(0))
}

func TestDeliverPacketDropsWhenQueueFull(t *testing.T) {
	peers := catchup.New(30_000)
	sink := &fakeSink{}
	r := New(Config{Engine: consensus.NopEngine{}, Peers: peers, Sink: sink, InboundQueueCapacity: 1})

	r.DeliverPacket(common.NodeID(1), 0, packetBytes(PacketBlock, []byte("a")), false, nil)
	r.DeliverPacket(common.NodeID(1), 0, packetBytes(PacketBlock, []byte("b")), false, nil)

	drained := 0
	for r.PumpHigh(0) {
		drained++
	}
	assert.Equal(t, 1, drained, "second packet must have been dropped, not queued")
}

func TestRebroadcastSuppressedWhileMidCatchUp(t *testing.T) {
	peers := catchup.New(30_000)
	peers.Add(common.NodeID(9), 0)
	peers.MarkCatchingUp(common.NodeID(9), 0)

	sink := &fakeSink{}
	engine := fakeEngine{result: consensus.ProcessResult{Outcome: consensus.OutcomeAccepted, Rebroadcast: true}}
	r := New(Config{Engine: engine, Peers: peers, Sink: sink, InboundQueueCapacity: 4})

	r.DeliverPacket(common.NodeID(1), 0, packetBytes(PacketBlock, []byte("blk")), true, nil)
	require.True(t, r.PumpHigh(0))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 0, sink.broadcasts, "rebroadcast must be suppressed while mid catch-up")
}

func TestRebroadcastHappensWhenNotMidCatchUp(t *testing.T) {
	peers := catchup.New(30_000)
	sink := &fakeSink{}
	engine := fakeEngine{result: consensus.ProcessResult{Outcome: consensus.OutcomeAccepted, Rebroadcast: true}}
	r := New(Config{Engine: engine, Peers: peers, Sink: sink, InboundQueueCapacity: 4})

	r.DeliverPacket(common.NodeID(1), 0, packetBytes(PacketBlock, []byte("blk")), true, nil)
	require.True(t, r.PumpHigh(0))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.broadcasts)
}

func TestSendOutDirectUsesSendPacket(t *testing.T) {
	peers := catchup.New(30_000)
	sink := &fakeSink{}
	r := New(Config{Engine: consensus.NopEngine{}, Peers: peers, Sink: sink, InboundQueueCapacity: 4, SelfID: common.NodeID(1)})

	err := r.SendOut(PacketCatchUpStatus, 0, common.DirectTo(common.NodeID(2)), nil)
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.sent, 1)
	assert.Equal(t, common.NodeID(2), sink.sent[0])
}

func TestSubsampleFractionBounds(t *testing.T) {
	ids := []common.NodeID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	assert.Equal(t, ids, SubsampleFraction(ids, 1.0))
	assert.Nil(t, SubsampleFraction(ids, 0))
	half := SubsampleFraction(ids, 0.5)
	assert.Len(t, half, 5)
}

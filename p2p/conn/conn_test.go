package conn

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/flynn/noise"
	stderrors "errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/p2p/frame"
)

// fakeHandler is a minimal, concurrency-safe Handler stub that records
// what the connection reports back up to the node layer.
type fakeHandler struct {
	selfID   common.NodeID
	version  string
	networks map[common.NetworkID]struct{}

	mu             sync.Mutex
	remembered     []common.Peer
	duplicates     map[string]bool
	delivered      []common.Packet
	deliveredFrom  []common.NodeID
	peerListToSend []common.Peer
}

func newFakeHandler(id common.NodeID) *fakeHandler {
	return &fakeHandler{
		selfID:   id,
		version:  "test-version",
		networks: map[common.NetworkID]struct{}{1: {}},
	}
}

func (h *fakeHandler) SelfID() common.NodeID                         { return h.selfID }
func (h *fakeHandler) SelfKind() common.PeerKind                     { return common.KindNode }
func (h *fakeHandler) SelfNetworks() map[common.NetworkID]struct{}   { return h.networks }
func (h *fakeHandler) SelfPort() uint16                              { return 30303 }
func (h *fakeHandler) Version() string                               { return h.version }
func (h *fakeHandler) IsBanned(common.NodeID, net.IP) bool           { return false }
func (h *fakeHandler) KnownPeers(map[common.NetworkID]struct{}, int) []common.Peer {
	return h.peerListToSend
}
func (h *fakeHandler) RememberPeer(p common.Peer, _ map[common.NetworkID]struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remembered = append(h.remembered, p)
}
func (h *fakeHandler) DesiredNodesCount() int { return 8 }
func (h *fakeHandler) CurrentPeerCount() int  { return 0 }
func (h *fakeHandler) TryConnect(common.Peer) {}
func (h *fakeHandler) BanNode(common.NodeID, common.NodeID) error   { return nil }
func (h *fakeHandler) UnbanNode(common.NodeID, common.NodeID) error { return nil }
func (h *fakeHandler) IsDuplicatePacket(common.NetworkID, []byte) bool {
	return false
}
func (h *fakeHandler) DeliverPacket(source common.NodeID, _ common.NetworkID, payload []byte, _ bool, _ map[common.NodeID]struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, common.Packet{Bytes: payload})
	h.deliveredFrom = append(h.deliveredFrom, source)
}
func (h *fakeHandler) MaxPeerListSize() int { return 16 }

func newConnPair(t *testing.T) (a, b net.Conn) {
	t.Helper()
	a, b = net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func mustKeypair(t *testing.T) noise.DHKey {
	t.Helper()
	k, err := frame.GenerateStaticKeypair()
	require.NoError(t, err)
	return k
}

// runHandshakePair constructs an initiator and a responder Connection
// over an in-memory net.Pipe and drives both handshakes to completion
// concurrently (required since the handshake reads/writes block until
// the other side's matching call runs on the pipe).
func runHandshakePair(t *testing.T, hInit, hResp *fakeHandler) (initiator, responder *Connection) {
	t.Helper()
	connA, connB := newConnPair(t)

	var err1, err2 error
	initiator, err1 = NewOutbound(1, connA, Options{StaticKey: mustKeypair(t), Handler: hInit})
	require.NoError(t, err1)
	responder, err2 = NewInbound(2, connB, Options{StaticKey: mustKeypair(t), Handler: hResp})
	require.NoError(t, err2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err1 = initiator.runHandshake(context.Background())
	}()
	go func() {
		defer wg.Done()
		err2 = responder.runHandshake(context.Background())
	}()
	wg.Wait()

	require.NoError(t, err1)
	require.NoError(t, err2)
	return initiator, responder
}

func TestRunHandshakeCompletesAndExchangesIdentity(t *testing.T) {
	common.CompatibleVersions = map[string]bool{"test-version": true}
	t.Cleanup(func() { common.CompatibleVersions = map[string]bool{} })

	hInit := newFakeHandler(common.NodeID(1))
	hResp := newFakeHandler(common.NodeID(2))

	initiator, responder := runHandshakePair(t, hInit, hResp)

	assert.Equal(t, PostHandshake, initiator.State())
	assert.Equal(t, PostHandshake, responder.State())

	assert.True(t, initiator.RemotePeer().HasID())
	assert.Equal(t, common.NodeID(2), *initiator.RemotePeer().ID)
	assert.True(t, responder.RemotePeer().HasID())
	assert.Equal(t, common.NodeID(1), *responder.RemotePeer().ID)

	hInit.mu.Lock()
	assert.Len(t, hInit.remembered, 1)
	hInit.mu.Unlock()
}

func TestRunHandshakeRejectsIncompatibleVersion(t *testing.T) {
	common.CompatibleVersions = map[string]bool{"only-this-one": true}
	t.Cleanup(func() { common.CompatibleVersions = map[string]bool{} })

	hInit := newFakeHandler(common.NodeID(1))
	hResp := newFakeHandler(common.NodeID(2))
	connA, connB := newConnPair(t)

	initiator, err := NewOutbound(1, connA, Options{StaticKey: mustKeypair(t), Handler: hInit})
	require.NoError(t, err)
	responder, err := NewInbound(2, connB, Options{StaticKey: mustKeypair(t), Handler: hResp})
	require.NoError(t, err)

	var errInit, errResp error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer connA.Close()
		errInit = initiator.runHandshake(context.Background())
	}()
	go func() {
		defer wg.Done()
		defer connB.Close()
		errResp = responder.runHandshake(context.Background())
	}()
	wg.Wait()

	assert.Error(t, errInit)
	assert.Error(t, errResp)
	assert.True(t, stderrors.Is(errInit, ErrIncompatibleVersion))
}

func TestRunHandshakeRejectsSelfConnect(t *testing.T) {
	common.CompatibleVersions = map[string]bool{"test-version": true}
	t.Cleanup(func() { common.CompatibleVersions = map[string]bool{} })

	// The responder shares the initiator's NodeId, simulating a
	// misconfigured or adversarial peer echoing this node's own
	// identity back at it.
	hInit := newFakeHandler(common.NodeID(1))
	hResp := newFakeHandler(common.NodeID(1))
	connA, connB := newConnPair(t)

	initiator, err := NewOutbound(1, connA, Options{StaticKey: mustKeypair(t), Handler: hInit})
	require.NoError(t, err)
	responder, err := NewInbound(2, connB, Options{StaticKey: mustKeypair(t), Handler: hResp})
	require.NoError(t, err)

	var errInit, errResp error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer connA.Close()
		errInit = initiator.runHandshake(context.Background())
	}()
	go func() {
		defer wg.Done()
		defer connB.Close()
		errResp = responder.runHandshake(context.Background())
	}()
	wg.Wait()

	assert.Error(t, errInit)
	assert.Error(t, errResp)
	assert.True(t, stderrors.Is(errInit, ErrSelfConnect))
	assert.True(t, stderrors.Is(errResp, ErrSelfConnect))
}

func TestHandlePacketBeforeHandshakeIsOutOfOrder(t *testing.T) {
	connA, _ := newConnPair(t)
	h := newFakeHandler(common.NodeID(1))
	c, err := NewOutbound(1, connA, Options{StaticKey: mustKeypair(t), Handler: h})
	require.NoError(t, err)

	err = c.processMessage(common.NetworkMessage{
		Kind:   common.PayloadPacket,
		Packet: common.Packet{NetworkID: 1, Bytes: []byte("x")},
	})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrHandshakeOutOfOrder))
}

func TestAsyncSendBeforeHandshakeFails(t *testing.T) {
	connA, _ := newConnPair(t)
	h := newFakeHandler(common.NodeID(1))
	c, err := NewOutbound(1, connA, Options{StaticKey: mustKeypair(t), Handler: h})
	require.NoError(t, err)

	err = c.AsyncSend(common.NetworkMessage{Kind: common.PayloadRequest}, PriorityLow)
	assert.Error(t, err)
}

func TestRunDeliversPacketAfterHandshake(t *testing.T) {
	common.CompatibleVersions = map[string]bool{"test-version": true}
	t.Cleanup(func() { common.CompatibleVersions = map[string]bool{} })

	hInit := newFakeHandler(common.NodeID(1))
	hResp := newFakeHandler(common.NodeID(2))
	initiator, responder := runHandshakePair(t, hInit, hResp)
	defer initiator.Close()
	defer responder.Close()

	go initiator.readLoop()
	go initiator.writeLoop()
	go responder.readLoop()
	go responder.writeLoop()

	require.NoError(t, initiator.AsyncSend(common.NetworkMessage{
		CreatedAt: common.CurrentStampMillis(),
		Kind:      common.PayloadPacket,
		Packet: common.Packet{
			NetworkID:   1,
			Bytes:       []byte("payload"),
			Destination: common.DirectTo(common.NodeID(2)),
		},
	}, PriorityHigh))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hResp.mu.Lock()
		n := len(hResp.delivered)
		hResp.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	hResp.mu.Lock()
	defer hResp.mu.Unlock()
	require.Len(t, hResp.delivered, 1)
	assert.Equal(t, "payload", string(hResp.delivered[0].Bytes))
	assert.Equal(t, common.NodeID(1), hResp.deliveredFrom[0])
}

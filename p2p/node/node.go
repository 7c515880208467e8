// Package node implements the event loop described in spec.md §4.5
// (C6): accepting and dialing connections, dispatching their
// processing, periodic housekeeping, and wiring together every other
// p2p subsystem (C1-C4, C7-C10) behind the conn.Handler and
// router.ConnectionSink interfaces those subsystems call back through.
//
// Rather than a single-threaded readiness poller with a hand-dispatched
// worker pool, this implementation gives each Connection its own
// goroutine (see p2p/conn's package doc) and lets the node's own
// goroutines own periodic housekeeping, bootstrapping and router
// pumping. spec.md's Design Notes call this out explicitly as an
// equally valid redesign of the original thread-based model.
package node

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/flynn/noise"
	"github.com/pkg/errors"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/config"
	"github.com/catchupnet/conode/consensus"
	"github.com/catchupnet/conode/log"
	"github.com/catchupnet/conode/p2p/bucket"
	"github.com/catchupnet/conode/p2p/catchup"
	"github.com/catchupnet/conode/p2p/conn"
	"github.com/catchupnet/conode/p2p/dedup"
	"github.com/catchupnet/conode/p2p/discovery"
	"github.com/catchupnet/conode/p2p/dump"
	"github.com/catchupnet/conode/p2p/frame"
	"github.com/catchupnet/conode/p2p/router"
	"github.com/catchupnet/conode/store"
)

var logger = log.NewModuleLogger(log.P2PNode)

const maxPeerListSize = 100

// Node owns the full set of connections and subsystems for one running
// instance of this software.
type Node struct {
	cfg       config.Config
	selfID    common.NodeID
	staticKey noise.DHKey
	kind      common.PeerKind
	networks  map[common.NetworkID]struct{}

	listener net.Listener

	mu          sync.RWMutex
	connections map[uint64]*conn.Connection
	nextConnID  uint64

	buckets  *bucket.Buckets
	dedup    *dedup.Queues
	bans     *store.BanStore
	peers    *catchup.PeerList
	router   *router.Router
	resolver *discovery.Resolver
	dumper   *dump.Sink

	lastBootstrapMillis uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the constructed dependencies a Node needs beyond its
// Config: the consensus engine to route packets to, and an optional
// node identity key (a fresh one is generated if absent).
type Deps struct {
	Engine    consensus.Engine
	SelfID    common.NodeID
	StaticKey *noise.DHKey
}

// New builds a Node: opens the ban store and discovery cache under
// cfg.DataDir, constructs buckets/dedup/peer-list/router, and prepares
// (without yet binding) the listening socket configuration.
func New(cfg config.Config, deps Deps) (*Node, error) {
	kind := common.KindNode
	if cfg.IsBootstrapper() {
		kind = common.KindBootstrapper
	}
	networks := make(map[common.NetworkID]struct{}, len(cfg.Networks))
	for _, n := range cfg.Networks {
		networks[common.NetworkID(n)] = struct{}{}
	}

	// The compatibility set is externally configured, never hardcoded
	// (spec.md Design Note (a)): copy it into common.CompatibleVersions
	// once here so every Handshake.CompatibleVersion() check across the
	// node sees the operator's configured set rather than the empty
	// default.
	compatible := make(map[string]bool, len(cfg.CompatibleVersions))
	for _, v := range cfg.CompatibleVersions {
		compatible[v] = true
	}
	common.CompatibleVersions = compatible

	staticKey := noise.DHKey{}
	if deps.StaticKey != nil {
		staticKey = *deps.StaticKey
	} else {
		k, err := frame.GenerateStaticKeypair()
		if err != nil {
			return nil, errors.Wrap(err, "node: generate static keypair")
		}
		staticKey = k
	}

	bans, err := store.OpenBanStore(cfg.DataDir + "/bans")
	if err != nil {
		return nil, err
	}
	discCache, err := store.OpenDiscoveryCache(cfg.DataDir + "/discovery")
	if err != nil {
		return nil, err
	}

	dq, err := dedup.NewQueues(cfg.DedupSizeShort, cfg.DedupSizeLong)
	if err != nil {
		return nil, err
	}

	maxCatchUp := cfg.MaxLatencyMillis
	maxCatchUpMillis := uint64(30_000)
	if maxCatchUp != nil {
		maxCatchUpMillis = *maxCatchUp
	}

	n := &Node{
		cfg:         cfg,
		selfID:      deps.SelfID,
		staticKey:   staticKey,
		kind:        kind,
		networks:    networks,
		connections: make(map[uint64]*conn.Connection),
		buckets:     bucket.New(),
		dedup:       dq,
		bans:        bans,
		peers:       catchup.New(maxCatchUpMillis),
		resolver: discovery.New(discovery.Options{
			Cache:           discCache,
			BootstrapServer: cfg.BootstrapServer,
			StaticNodes:     cfg.BootstrapNodes,
			NoBootstrapDNS:  cfg.NoBootstrapDNS,
		}),
	}

	engine := deps.Engine
	if engine == nil {
		engine = consensus.NopEngine{}
	}
	n.router = router.New(router.Config{
		Engine:                   engine,
		Peers:                    n.peers,
		Sink:                     n,
		InboundQueueCapacity:     cfg.InboundQueueCapacity,
		RelayBroadcastPercentage: cfg.RelayBroadcastPercentage,
		SelfID:                   n.selfID,
	})

	if cfg.DumpDir != "" {
		sink, err := dump.Open(dump.Options{Dir: cfg.DumpDir})
		if err != nil {
			return nil, err
		}
		n.dumper = sink
	}

	return n, nil
}

// conn.Handler implementation.

func (n *Node) SelfID() common.NodeID                        { return n.selfID }
func (n *Node) SelfKind() common.PeerKind                     { return n.kind }
func (n *Node) SelfNetworks() map[common.NetworkID]struct{}   { return n.networks }
func (n *Node) SelfPort() uint16                              { return n.cfg.ExternalPort }
func (n *Node) Version() string                               { return n.cfg.Version }
func (n *Node) MaxPeerListSize() int                          { return maxPeerListSize }

func (n *Node) IsBanned(id common.NodeID, addr net.IP) bool {
	if banned, err := n.bans.IsBanned(store.ByID(id)); err == nil && banned {
		return true
	}
	if addr != nil {
		if banned, err := n.bans.IsBanned(store.ByAddr(addr)); err == nil && banned {
			return true
		}
	}
	return false
}

func (n *Node) KnownPeers(networks map[common.NetworkID]struct{}, limit int) []common.Peer {
	filter := bucket.Filter{NotSelf: &n.selfID, NetworksIntersect: networks}
	peers := n.buckets.All(filter)
	if len(peers) > limit {
		rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
		peers = peers[:limit]
	}
	return peers
}

func (n *Node) RememberPeer(peer common.Peer, networks map[common.NetworkID]struct{}) {
	n.buckets.Insert(peer, networks)
}

func (n *Node) DesiredNodesCount() int { return int(n.cfg.DesiredNodesCount) }

func (n *Node) CurrentPeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.connections)
}

func (n *Node) TryConnect(peer common.Peer) {
	if peer.ID == n.selfID {
		return
	}
	n.mu.RLock()
	_, known := n.findConnectionByIDLocked(peer.ID)
	n.mu.RUnlock()
	if known {
		return
	}
	if n.resolver.IsUnreachable(peer.Addr.String(), nowMillis()) {
		return
	}
	go n.dial(peer.Addr.String(), peer.Kind)
}

func (n *Node) BanNode(actor, target common.NodeID) error {
	if err := n.bans.Ban(store.ByID(target), 0); err != nil {
		return err
	}
	n.closeConnectionsByID(target)
	logger.Info("banned node", "actor", actor, "target", target)
	return nil
}

func (n *Node) UnbanNode(actor, target common.NodeID) error {
	if err := n.bans.Unban(store.ByID(target)); err != nil {
		return err
	}
	logger.Info("unbanned node", "actor", actor, "target", target)
	return nil
}

// BanAddr persists a store.ByAddr ban entry and closes every live
// connection observed from addr (spec.md §4.6/C7: "banning an IP
// removes all connections with that IP"). There is no wire message for
// address-level bans — spec.md's BanNode/UnbanNode requests only carry
// a NodeId — so, like StartDump/StopDump, this is a runtime operation
// on Node for an external management surface (out of scope per spec.md
// §1's RPC/gRPC non-goal) to call.
func (n *Node) BanAddr(actor common.NodeID, addr net.IP) error {
	if err := n.bans.Ban(store.ByAddr(addr), 0); err != nil {
		return err
	}
	n.closeConnectionsByAddr(addr)
	logger.Info("banned address", "actor", actor, "addr", addr)
	return nil
}

// UnbanAddr removes a store.ByAddr ban entry, the address counterpart
// to UnbanNode.
func (n *Node) UnbanAddr(actor common.NodeID, addr net.IP) error {
	if err := n.bans.Unban(store.ByAddr(addr)); err != nil {
		return err
	}
	logger.Info("unbanned address", "actor", actor, "addr", addr)
	return nil
}

func (n *Node) IsDuplicatePacket(networkID common.NetworkID, payload []byte) bool {
	// The first two bytes of payload are the caller's raw packet
	// bytes, which still carry the packet-type prefix at this point;
	// dedup hashes the whole thing so type and body both participate.
	if len(payload) >= 2 && router.PacketType(uint16(payload[0])<<8|uint16(payload[1])) == router.PacketTransaction {
		return n.dedup.IsDuplicateTransaction(payload)
	}
	return n.dedup.IsDuplicateBlock(payload)
}

func (n *Node) DeliverPacket(sourceID common.NodeID, networkID common.NetworkID, bytes []byte, isBroadcast bool, dontRelayTo map[common.NodeID]struct{}) {
	n.router.DeliverPacket(sourceID, networkID, bytes, isBroadcast, dontRelayTo)
}

// router.ConnectionSink implementation.

func (n *Node) SendPacket(target common.NodeID, p common.Packet) error {
	n.mu.RLock()
	c, ok := n.findConnectionByIDLocked(target)
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node: no connection to %s", target)
	}
	return c.AsyncSend(common.NetworkMessage{
		CreatedAt: common.CurrentStampMillis(),
		Kind:      common.PayloadPacket,
		Packet:    p,
	}, conn.PriorityHigh)
}

func (n *Node) BroadcastPacket(p common.Packet, exclude map[common.NodeID]struct{}, networkID common.NetworkID, relayPercentage float64) int {
	eligible := n.eligibleBroadcastTargets(exclude, networkID)
	if relayPercentage < 1 {
		eligible = router.SubsampleFraction(eligible, relayPercentage)
	}
	sent := 0
	for _, id := range eligible {
		n.mu.RLock()
		c, ok := n.findConnectionByIDLocked(id)
		n.mu.RUnlock()
		if !ok {
			continue
		}
		msg := common.NetworkMessage{CreatedAt: common.CurrentStampMillis(), Kind: common.PayloadPacket, Packet: p}
		if err := c.AsyncSend(msg, conn.PriorityLow); err == nil {
			sent++
		}
	}
	return sent
}

func (n *Node) eligibleBroadcastTargets(exclude map[common.NodeID]struct{}, networkID common.NetworkID) []common.NodeID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []common.NodeID
	for _, c := range n.connections {
		if c.State() != conn.PostHandshake {
			continue
		}
		remote := c.RemotePeer()
		if !remote.HasID() || remote.Kind == common.KindBootstrapper {
			continue
		}
		if _, excluded := exclude[*remote.ID]; excluded {
			continue
		}
		if networkID != 0 {
			nets := c.RemoteNetworks()
			if _, ok := nets[networkID]; !ok {
				continue
			}
		}
		out = append(out, *remote.ID)
	}
	return out
}

func (n *Node) findConnectionByIDLocked(id common.NodeID) (*conn.Connection, bool) {
	for _, c := range n.connections {
		remote := c.RemotePeer()
		if remote.HasID() && *remote.ID == id {
			return c, true
		}
	}
	return nil, false
}

func (n *Node) closeConnectionsByID(id common.NodeID) {
	n.mu.RLock()
	var toClose []*conn.Connection
	for _, c := range n.connections {
		remote := c.RemotePeer()
		if remote.HasID() && *remote.ID == id {
			toClose = append(toClose, c)
		}
	}
	n.mu.RUnlock()
	for _, c := range toClose {
		c.Close()
	}
}

func (n *Node) closeConnectionsByAddr(addr net.IP) {
	n.mu.RLock()
	var toClose []*conn.Connection
	for _, c := range n.connections {
		if c.RemotePeer().ObservedAddr.IP.Equal(addr) {
			toClose = append(toClose, c)
		}
	}
	n.mu.RUnlock()
	for _, c := range toClose {
		c.Close()
	}
}

func (n *Node) dumperOrNil() conn.FrameDumper {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.dumper == nil {
		return nil
	}
	return n.dumper
}

// StartDump opens a new frame-dump session and attaches it to every
// live connection plus every connection registered from now on,
// replacing any session already running (spec.md §6 supplemented
// dump channel, restoring the original's dump_start operation).
func (n *Node) StartDump(opts dump.Options) error {
	sink, err := dump.Open(opts)
	if err != nil {
		return err
	}
	n.mu.Lock()
	old := n.dumper
	n.dumper = sink
	conns := n.connectionsSnapshotLocked()
	n.mu.Unlock()

	for _, c := range conns {
		c.SetDumper(sink)
	}
	if old != nil {
		old.Close()
	}
	logger.Info("dump session started", "dir", opts.Dir)
	return nil
}

// StopDump detaches and closes the running dump session, if any
// (restoring the original's dump_stop operation).
func (n *Node) StopDump() error {
	n.mu.Lock()
	old := n.dumper
	n.dumper = nil
	conns := n.connectionsSnapshotLocked()
	n.mu.Unlock()

	for _, c := range conns {
		c.SetDumper(nil)
	}
	if old == nil {
		return nil
	}
	logger.Info("dump session stopped")
	return old.Close()
}

func (n *Node) connectionsSnapshotLocked() []*conn.Connection {
	conns := make([]*conn.Connection, 0, len(n.connections))
	for _, c := range n.connections {
		conns = append(conns, c)
	}
	return conns
}

func nowMillis() uint64 { return common.CurrentStampMillis() }

// Package router implements the consensus-facing packet router
// described in spec.md §4.8 (C9): it types inbound packets, queues them
// by priority, fans outbound packets out to the right connections, and
// applies the rebroadcast and catch-up state-update policies.
package router

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/consensus"
	"github.com/catchupnet/conode/log"
	"github.com/catchupnet/conode/metrics"
	"github.com/catchupnet/conode/p2p/catchup"
)

var logger = log.NewModuleLogger(log.P2PRouter)

// PacketType is the two-byte, big-endian code prefixing every consensus
// payload (spec.md §4.8, §6).
type PacketType uint16

const (
	PacketBlock PacketType = iota
	PacketTransaction
	PacketFinalizationMessage
	PacketFinalizationRecord
	PacketCatchUpStatus
)

func (t PacketType) String() string {
	switch t {
	case PacketBlock:
		return "block"
	case PacketTransaction:
		return "transaction"
	case PacketFinalizationMessage:
		return "finalization_message"
	case PacketFinalizationRecord:
		return "finalization_record"
	case PacketCatchUpStatus:
		return "catch_up_status"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

func knownPacketType(t PacketType) bool {
	switch t {
	case PacketBlock, PacketTransaction, PacketFinalizationMessage, PacketFinalizationRecord, PacketCatchUpStatus:
		return true
	default:
		return false
	}
}

// Inbound is one de-typed packet queued for consensus processing.
type Inbound struct {
	Type      PacketType
	Source    common.NodeID
	NetworkID common.NetworkID
	Payload   []byte
	Broadcast bool
	Exclude   map[common.NodeID]struct{}
}

// ConnectionSink is the subset of the connection table the router
// writes outbound packets through. Node provides the implementation.
type ConnectionSink interface {
	SendPacket(target common.NodeID, p common.Packet) error
	BroadcastPacket(p common.Packet, excludeSourceAndSet map[common.NodeID]struct{}, networkID common.NetworkID, relayPercentage float64) int
}

// Router is the consensus packet router. It owns two bounded inbound
// queues (high priority for everything but transactions, low priority
// for transactions) and applies the catch-up state machine after each
// message consensus processes.
type Router struct {
	engine consensus.Engine
	peers  *catchup.PeerList
	sink   ConnectionSink

	highQueue chan Inbound
	lowQueue  chan Inbound

	relayBroadcastPercentage float64
	selfID                   common.NodeID
}

// Config configures a new Router.
type Config struct {
	Engine                   consensus.Engine
	Peers                    *catchup.PeerList
	Sink                     ConnectionSink
	InboundQueueCapacity     int
	RelayBroadcastPercentage float64
	SelfID                   common.NodeID
}

// New builds a Router with bounded inbound queues.
func New(cfg Config) *Router {
	cap := cfg.InboundQueueCapacity
	if cap <= 0 {
		cap = 4096
	}
	pct := cfg.RelayBroadcastPercentage
	if pct <= 0 {
		pct = 1.0
	}
	return &Router{
		engine:                   cfg.Engine,
		peers:                    cfg.Peers,
		sink:                     cfg.Sink,
		highQueue:                make(chan Inbound, cap),
		lowQueue:                 make(chan Inbound, cap),
		relayBroadcastPercentage: pct,
		selfID:                   cfg.SelfID,
	}
}

// DeliverPacket implements p2p/conn.Handler's inbound path: it splits
// the two-byte packet type off the front of the payload and queues the
// remainder by priority (spec.md §4.8 inbound path). Transactions go to
// the low-priority queue; everything else goes to the high-priority
// queue. A full queue drops the packet and counts it, never blocking
// the caller (the connection's read loop).
func (r *Router) DeliverPacket(sourceID common.NodeID, networkID common.NetworkID, bytes []byte, isBroadcast bool, dontRelayTo map[common.NodeID]struct{}) {
	if len(bytes) < 2 {
		metrics.InvalidPackets.Inc(1)
		return
	}
	t := PacketType(binary.BigEndian.Uint16(bytes[:2]))
	if !knownPacketType(t) {
		metrics.InvalidPackets.Inc(1)
		return
	}
	in := Inbound{
		Type:      t,
		Source:    sourceID,
		NetworkID: networkID,
		Payload:   bytes[2:],
		Broadcast: isBroadcast,
		Exclude:   dontRelayTo,
	}
	q := r.highQueue
	if t == PacketTransaction {
		q = r.lowQueue
	}
	select {
	case q <- in:
	default:
		if t == PacketTransaction {
			metrics.InboundQueueDropsLow.Inc(1)
		} else {
			metrics.InboundQueueDropsHigh.Inc(1)
		}
		logger.Debug("dropping inbound packet, queue full", "type", t, "source", sourceID)
	}
}

// PumpHigh processes one queued high-priority packet, if any is ready,
// applying consensus and the catch-up policy. Returns false if nothing
// was ready.
func (r *Router) PumpHigh(now uint64) bool {
	select {
	case in := <-r.highQueue:
		r.process(in, now)
		return true
	default:
		return false
	}
}

// PumpLow processes one queued low-priority (transaction) packet, if
// any is ready.
func (r *Router) PumpLow(now uint64) bool {
	select {
	case in := <-r.lowQueue:
		r.process(in, now)
		return true
	default:
		return false
	}
}

func (r *Router) process(in Inbound, now uint64) {
	var result consensus.ProcessResult
	switch in.Type {
	case PacketBlock:
		result = r.engine.ProcessBlock(in.Source, in.Payload)
	case PacketTransaction:
		result = r.engine.ProcessTransaction(in.Source, in.Payload)
	case PacketFinalizationMessage:
		result = r.engine.ProcessFinalizationMessage(in.Source, in.Payload)
	case PacketFinalizationRecord:
		result = r.engine.ProcessFinalizationRecord(in.Source, in.Payload)
	case PacketCatchUpStatus:
		result = r.engine.ProcessCatchUpStatus(in.Source, in.Payload)
	}
	r.applyCatchUpPolicy(in, result, now)
	if in.Broadcast && result.Rebroadcast && !r.isMidCatchUp() {
		r.rebroadcast(in, now)
	}
}

// isMidCatchUp reports whether the node itself is currently in the
// middle of catching up from a peer: the top of its own peer list is
// CatchingUp. Per spec.md §4.8, a rebroadcast is suppressed while that
// holds, since a node mid-catch-up cannot yet validate state it would
// be relaying.
func (r *Router) isMidCatchUp() bool {
	status, ok := r.peers.TopStatus()
	return ok && status == catchup.CatchingUp
}

func (r *Router) applyCatchUpPolicy(in Inbound, result consensus.ProcessResult, now uint64) {
	switch in.Type {
	case PacketCatchUpStatus:
		switch result.CatchUpSignal {
		case consensus.CatchUpCallerIsUpToDate:
			r.peers.MarkUpToDate(in.Source, now)
		case consensus.CatchUpCallerIsPending:
			r.peers.MarkPending(in.Source, now)
		case consensus.CatchUpContinue:
			r.peers.AllUpToDateToPending(now)
		}
	case PacketBlock, PacketFinalizationRecord:
		if !in.Broadcast && result.Outcome == consensus.OutcomeAccepted {
			r.peers.AllUpToDateToPending(now)
		}
		if in.Broadcast && result.Outcome == consensus.OutcomePending {
			r.peers.MarkPending(in.Source, now)
		}
	}
}

func (r *Router) rebroadcast(in Inbound, now uint64) {
	exclude := make(map[common.NodeID]struct{}, len(in.Exclude)+1)
	for id := range in.Exclude {
		exclude[id] = struct{}{}
	}
	exclude[in.Source] = struct{}{}

	payload := make([]byte, 2+len(in.Payload))
	binary.BigEndian.PutUint16(payload[:2], uint16(in.Type))
	copy(payload[2:], in.Payload)

	p := common.Packet{
		Destination: common.Destination{Broadcast: true, Exclude: exclude},
		NetworkID:   in.NetworkID,
		Bytes:       payload,
	}
	sent := r.sink.BroadcastPacket(p, exclude, in.NetworkID, r.relayBroadcastPercentage)
	metrics.OutboundBroadcasts.Inc(1)
	logger.Trace("rebroadcast", "type", in.Type, "network", in.NetworkID, "sent_to", sent)
}

// SendOut serializes and routes one outbound Packet from consensus
// (spec.md §4.8 outbound path): Direct writes to one connection,
// Broadcast fans out to every eligible post-handshake, non-Bootstrapper
// peer in the packet's network that isn't the source or excluded,
// optionally subsampled by relay_broadcast_percentage.
func (r *Router) SendOut(t PacketType, networkID common.NetworkID, dest common.Destination, payload []byte) error {
	wire := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(wire[:2], uint16(t))
	copy(wire[2:], payload)

	p := common.Packet{Destination: dest, NetworkID: networkID, Bytes: wire}
	if dest.Direct != nil {
		metrics.OutboundDirects.Inc(1)
		return r.sink.SendPacket(*dest.Direct, p)
	}
	exclude := make(map[common.NodeID]struct{}, len(dest.Exclude)+1)
	for id := range dest.Exclude {
		exclude[id] = struct{}{}
	}
	exclude[r.selfID] = struct{}{}
	sent := r.sink.BroadcastPacket(p, exclude, networkID, r.relayBroadcastPercentage)
	metrics.OutboundBroadcasts.Inc(1)
	logger.Trace("outbound broadcast", "type", t, "network", networkID, "sent_to", sent)
	return nil
}

// StartBaker notifies the consensus engine it should leave idle state,
// invoked once a peer at the top of the catch-up priority queue is
// found to already be UpToDate (spec.md §4.7).
func (r *Router) StartBaker() {
	r.engine.StartBaker()
}

// SubsampleFraction returns a pseudo-random subset of ids of size
// round(len(ids) * pct), used by ConnectionSink implementations to
// honor relay_broadcast_percentage (spec.md §4.8).
func SubsampleFraction(ids []common.NodeID, pct float64) []common.NodeID {
	if pct >= 1 || len(ids) == 0 {
		return ids
	}
	if pct <= 0 {
		return nil
	}
	n := int(float64(len(ids))*pct + 0.5)
	if n >= len(ids) {
		return ids
	}
	shuffled := make([]common.NodeID, len(ids))
	copy(shuffled, ids)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

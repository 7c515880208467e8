// Package common holds the data types shared across every p2p subsystem:
// node identities, peers, network ids and the pre/post-handshake remote
// peer view.
package common

import (
	"fmt"
	"net"
	"time"
)

// NodeID identifies a node on the network. Equality and hashing use the
// raw 64-bit integer, so NodeID is safe to use directly as a map key.
type NodeID uint64

func (id NodeID) String() string { return fmt.Sprintf("%016x", uint64(id)) }

// NetworkID is a 16-bit network label. Packets and peers are scoped to
// one or more NetworkIDs; a broadcast only reaches peers sharing the
// packet's network.
type NetworkID uint16

// PeerKind distinguishes consensus-participating nodes from
// discovery-only bootstrappers. Bootstrappers never take part in
// broadcast fan-out and are never returned by bucket queries.
type PeerKind int

const (
	KindNode PeerKind = iota
	KindBootstrapper
)

func (k PeerKind) String() string {
	if k == KindBootstrapper {
		return "bootstrapper"
	}
	return "node"
}

// Peer is a known point on the network: an id, an address and a kind.
// Equality is by id alone.
type Peer struct {
	ID   NodeID
	Addr net.TCPAddr
	Kind PeerKind
}

// Equal reports whether two peers share the same id.
func (p Peer) Equal(other Peer) bool { return p.ID == other.ID }

func (p Peer) String() string {
	return fmt.Sprintf("%s@%s(%s)", p.ID, p.Addr.String(), p.Kind)
}

// RemotePeer is the view of the other endpoint of a connection, before
// and after handshake. ID is unset until the high-level handshake
// completes; ExternalPort is learned during handshake and may differ
// from the TCP socket's observed port (the peer may be behind a NAT or
// advertising a different listen port than the one it dialed from).
type RemotePeer struct {
	ID           *NodeID
	ObservedAddr net.TCPAddr
	ExternalPort uint16
	Kind         PeerKind
}

// HasID reports whether the handshake has completed and assigned an id.
func (r RemotePeer) HasID() bool { return r.ID != nil }

// Peer materializes a Peer from the remote's observed address and
// learned external port, once the id is known. It panics if called
// before HasID.
func (r RemotePeer) Peer() Peer {
	if r.ID == nil {
		panic("common: RemotePeer.Peer() called before handshake completed")
	}
	addr := r.ObservedAddr
	if r.ExternalPort != 0 {
		addr.Port = int(r.ExternalPort)
	}
	return Peer{ID: *r.ID, Addr: addr, Kind: r.Kind}
}

// CurrentStampMillis returns the current time as milliseconds since the
// Unix epoch, the unit used by NetworkMessage.CreatedAt on the wire.
func CurrentStampMillis() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}

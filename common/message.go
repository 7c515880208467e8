package common

// CompatibleVersions is the externally configured set of Handshake
// version strings this node accepts. It is intentionally left as a
// variable, not a constant: the exact compatibility set is supplied by
// deployment configuration, never hardcoded (spec Design Note (a)).
var CompatibleVersions = map[string]bool{}

// Handshake is the high-level application message carried in the
// payloads of noise XX messages B (responder -> initiator) and C
// (initiator -> responder).
type Handshake struct {
	RemoteID     NodeID
	RemotePort   uint16
	Networks     map[NetworkID]struct{}
	Version      string
	Proof        []byte
}

// CompatibleVersion reports whether h.Version is in the externally
// configured compatibility set.
func (h Handshake) CompatibleVersion() bool {
	return CompatibleVersions[h.Version]
}

// RequestKind enumerates the Request payload variants of NetworkMessage.
type RequestKind int

const (
	ReqPing RequestKind = iota
	ReqGetPeers
	ReqHandshake
	ReqBanNode
	ReqUnbanNode
	ReqJoinNetwork
	ReqLeaveNetwork
)

// ResponseKind enumerates the Response payload variants of NetworkMessage.
type ResponseKind int

const (
	RespPong ResponseKind = iota
	RespPeerList
)

// Destination is the target of a Packet: either a single node or a
// broadcast excluding a set of node ids.
type Destination struct {
	Direct    *NodeID
	Broadcast bool
	Exclude   map[NodeID]struct{}
}

// DirectTo builds a Destination addressing a single peer.
func DirectTo(id NodeID) Destination {
	return Destination{Direct: &id}
}

// BroadcastExcluding builds a broadcast Destination that skips the given ids.
func BroadcastExcluding(exclude ...NodeID) Destination {
	m := make(map[NodeID]struct{}, len(exclude))
	for _, id := range exclude {
		m[id] = struct{}{}
	}
	return Destination{Broadcast: true, Exclude: m}
}

// Request carries one of the Request variants.
type Request struct {
	Kind      RequestKind
	Networks  []NetworkID // GetPeers
	Handshake Handshake   // Handshake
	BanNode   *NodeID     // BanNode / UnbanNode
	Network   NetworkID   // JoinNetwork / LeaveNetwork
}

// Response carries one of the Response variants.
type Response struct {
	Kind     ResponseKind
	PeerList []Peer
}

// Packet carries an opaque consensus payload addressed to one peer or
// broadcast to many, scoped to a single network.
type Packet struct {
	Destination Destination
	NetworkID   NetworkID
	Bytes       []byte
}

// PayloadKind distinguishes the three top-level NetworkMessage payload shapes.
type PayloadKind int

const (
	PayloadRequest PayloadKind = iota
	PayloadResponse
	PayloadPacket
)

// NetworkMessage is the logical, decrypted application message exchanged
// once a connection is post-handshake (plus the Handshake variant
// exchanged during the noise XX messages B and C).
type NetworkMessage struct {
	CreatedAt  uint64 // milliseconds since epoch
	ReceivedAt uint64 // 0 if not yet received/unset
	Kind       PayloadKind
	Request    Request
	Response   Response
	Packet     Packet
}

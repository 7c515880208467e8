package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// Wire encoding for NetworkMessage.
//
// This is a hand-rolled, length-tagged binary codec rather than a
// generic marshaler: spec.md §6 pins exact byte-level invariants (a u64
// millisecond timestamp, a 2-byte big-endian PacketType prefix ahead of
// the consensus payload, explicit field widths for Handshake) that a
// reflection-based encoder would obscure. The teacher's own wire types
// (RLPx/eth protocol messages) are likewise hand-coded rather than run
// through a generic serializer, for the same reason: the wire format is
// a protocol contract, not an implementation detail.

const (
	maxStringLen = 1<<8 - 1
	maxBytesLen  = 1<<16 - 1
	maxListLen   = 1<<16 - 1
)

// EncodeMessage serializes a NetworkMessage body (everything but the
// frame length prefix, which the low-level codec in p2p/frame adds).
func EncodeMessage(m NetworkMessage) ([]byte, error) {
	var buf bytes.Buffer
	var u64b [8]byte
	binary.BigEndian.PutUint64(u64b[:], m.CreatedAt)
	buf.Write(u64b[:])
	buf.WriteByte(byte(m.Kind))

	switch m.Kind {
	case PayloadRequest:
		if err := encodeRequest(&buf, m.Request); err != nil {
			return nil, err
		}
	case PayloadResponse:
		if err := encodeResponse(&buf, m.Response); err != nil {
			return nil, err
		}
	case PayloadPacket:
		if err := encodePacket(&buf, m.Packet); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("common: unknown payload kind %d", m.Kind)
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses the bytes produced by EncodeMessage.
func DecodeMessage(b []byte) (NetworkMessage, error) {
	var m NetworkMessage
	if len(b) < 9 {
		return m, fmt.Errorf("common: message too short (%d bytes)", len(b))
	}
	m.CreatedAt = binary.BigEndian.Uint64(b[:8])
	m.Kind = PayloadKind(b[8])
	r := bytes.NewReader(b[9:])

	var err error
	switch m.Kind {
	case PayloadRequest:
		m.Request, err = decodeRequest(r)
	case PayloadResponse:
		m.Response, err = decodeResponse(r)
	case PayloadPacket:
		m.Packet, err = decodePacket(r)
	default:
		return m, fmt.Errorf("common: unknown payload kind %d", m.Kind)
	}
	return m, err
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if len(b) > maxBytesLen {
		return fmt.Errorf("common: byte field too long (%d)", len(b))
	}
	writeU16(buf, uint16(len(b)))
	buf.Write(b)
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("common: string field too long (%d)", len(s))
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}

func writeNetworks(buf *bytes.Buffer, nets []NetworkID) error {
	if len(nets) > maxListLen {
		return fmt.Errorf("common: network list too long (%d)", len(nets))
	}
	writeU16(buf, uint16(len(nets)))
	for _, n := range nets {
		writeU16(buf, uint16(n))
	}
	return nil
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n := 0
	for n < len(b) {
		m, err := r.Read(b[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU16(r)
	if err != nil {
		return nil, err
	}
	if n > maxBytesLen {
		return nil, fmt.Errorf("common: byte field too long (%d)", n)
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	l, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, l)
	if _, err := readFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readNetworks(r *bytes.Reader) (map[NetworkID]struct{}, error) {
	n, err := readU16(r)
	if err != nil {
		return nil, err
	}
	if n > maxListLen {
		return nil, fmt.Errorf("common: network list too long (%d)", n)
	}
	nets := make(map[NetworkID]struct{}, n)
	for i := 0; i < int(n); i++ {
		v, err := readU16(r)
		if err != nil {
			return nil, err
		}
		nets[NetworkID(v)] = struct{}{}
	}
	return nets, nil
}

// EncodeHandshake serializes a Handshake on its own, as carried directly
// in the payloads of noise XX messages B and C (outside of the
// NetworkMessage envelope, which is reserved for post-handshake traffic).
func EncodeHandshake(h Handshake) ([]byte, error) {
	var buf bytes.Buffer
	writeU64(&buf, uint64(h.RemoteID))
	writeU16(&buf, h.RemotePort)
	nets := make([]NetworkID, 0, len(h.Networks))
	for n := range h.Networks {
		nets = append(nets, n)
	}
	if err := writeNetworks(&buf, nets); err != nil {
		return nil, err
	}
	if err := writeString(&buf, h.Version); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, h.Proof); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeHandshake parses the bytes produced by EncodeHandshake.
func DecodeHandshake(b []byte) (Handshake, error) {
	r := bytes.NewReader(b)
	remoteID, err := readU64(r)
	if err != nil {
		return Handshake{}, err
	}
	port, err := readU16(r)
	if err != nil {
		return Handshake{}, err
	}
	nets, err := readNetworks(r)
	if err != nil {
		return Handshake{}, err
	}
	version, err := readString(r)
	if err != nil {
		return Handshake{}, err
	}
	proof, err := readBytes(r)
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{
		RemoteID:   NodeID(remoteID),
		RemotePort: port,
		Networks:   nets,
		Version:    version,
		Proof:      proof,
	}, nil
}

func encodeRequest(buf *bytes.Buffer, req Request) error {
	buf.WriteByte(byte(req.Kind))
	switch req.Kind {
	case ReqPing:
	case ReqGetPeers:
		return writeNetworks(buf, req.Networks)
	case ReqHandshake:
		h := req.Handshake
		writeU64(buf, uint64(h.RemoteID))
		writeU16(buf, h.RemotePort)
		nets := make([]NetworkID, 0, len(h.Networks))
		for n := range h.Networks {
			nets = append(nets, n)
		}
		if err := writeNetworks(buf, nets); err != nil {
			return err
		}
		if err := writeString(buf, h.Version); err != nil {
			return err
		}
		return writeBytes(buf, h.Proof)
	case ReqBanNode, ReqUnbanNode:
		if req.BanNode == nil {
			return fmt.Errorf("common: ban/unban request missing node id")
		}
		writeU64(buf, uint64(*req.BanNode))
	case ReqJoinNetwork, ReqLeaveNetwork:
		writeU16(buf, uint16(req.Network))
	default:
		return fmt.Errorf("common: unknown request kind %d", req.Kind)
	}
	return nil
}

func decodeRequest(r *bytes.Reader) (Request, error) {
	var req Request
	kind, err := r.ReadByte()
	if err != nil {
		return req, err
	}
	req.Kind = RequestKind(kind)
	switch req.Kind {
	case ReqPing:
	case ReqGetPeers:
		n, err := readU16(r)
		if err != nil {
			return req, err
		}
		req.Networks = make([]NetworkID, n)
		for i := range req.Networks {
			v, err := readU16(r)
			if err != nil {
				return req, err
			}
			req.Networks[i] = NetworkID(v)
		}
	case ReqHandshake:
		remoteID, err := readU64(r)
		if err != nil {
			return req, err
		}
		port, err := readU16(r)
		if err != nil {
			return req, err
		}
		nets, err := readNetworks(r)
		if err != nil {
			return req, err
		}
		version, err := readString(r)
		if err != nil {
			return req, err
		}
		proof, err := readBytes(r)
		if err != nil {
			return req, err
		}
		req.Handshake = Handshake{
			RemoteID:   NodeID(remoteID),
			RemotePort: port,
			Networks:   nets,
			Version:    version,
			Proof:      proof,
		}
	case ReqBanNode, ReqUnbanNode:
		id, err := readU64(r)
		if err != nil {
			return req, err
		}
		nid := NodeID(id)
		req.BanNode = &nid
	case ReqJoinNetwork, ReqLeaveNetwork:
		v, err := readU16(r)
		if err != nil {
			return req, err
		}
		req.Network = NetworkID(v)
	default:
		return req, fmt.Errorf("common: unknown request kind %d", req.Kind)
	}
	return req, nil
}

func encodeResponse(buf *bytes.Buffer, resp Response) error {
	buf.WriteByte(byte(resp.Kind))
	switch resp.Kind {
	case RespPong:
	case RespPeerList:
		if len(resp.PeerList) > maxListLen {
			return fmt.Errorf("common: peer list too long (%d)", len(resp.PeerList))
		}
		writeU16(buf, uint16(len(resp.PeerList)))
		for _, p := range resp.PeerList {
			writeU64(buf, uint64(p.ID))
			buf.WriteByte(byte(p.Kind))
			ip := p.Addr.IP.To16()
			buf.Write(ip)
			writeU16(buf, uint16(p.Addr.Port))
		}
	default:
		return fmt.Errorf("common: unknown response kind %d", resp.Kind)
	}
	return nil
}

func decodeResponse(r *bytes.Reader) (Response, error) {
	var resp Response
	kind, err := r.ReadByte()
	if err != nil {
		return resp, err
	}
	resp.Kind = ResponseKind(kind)
	switch resp.Kind {
	case RespPong:
	case RespPeerList:
		n, err := readU16(r)
		if err != nil {
			return resp, err
		}
		resp.PeerList = make([]Peer, n)
		for i := range resp.PeerList {
			id, err := readU64(r)
			if err != nil {
				return resp, err
			}
			kindByte, err := r.ReadByte()
			if err != nil {
				return resp, err
			}
			ip := make([]byte, 16)
			if _, err := readFull(r, ip); err != nil {
				return resp, err
			}
			port, err := readU16(r)
			if err != nil {
				return resp, err
			}
			resp.PeerList[i] = Peer{
				ID:   NodeID(id),
				Kind: PeerKind(kindByte),
				Addr: net.TCPAddr{IP: net.IP(ip), Port: int(port)},
			}
		}
	default:
		return resp, fmt.Errorf("common: unknown response kind %d", resp.Kind)
	}
	return resp, nil
}

func encodePacket(buf *bytes.Buffer, p Packet) error {
	if p.Destination.Broadcast {
		buf.WriteByte(1)
		if len(p.Destination.Exclude) > maxListLen {
			return fmt.Errorf("common: exclude list too long (%d)", len(p.Destination.Exclude))
		}
		writeU16(buf, uint16(len(p.Destination.Exclude)))
		for id := range p.Destination.Exclude {
			writeU64(buf, uint64(id))
		}
	} else {
		buf.WriteByte(0)
		if p.Destination.Direct == nil {
			return fmt.Errorf("common: direct packet missing destination id")
		}
		writeU64(buf, uint64(*p.Destination.Direct))
	}
	writeU16(buf, uint16(p.NetworkID))
	if len(p.Bytes) > 1<<24 {
		return fmt.Errorf("common: packet payload too long (%d)", len(p.Bytes))
	}
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(p.Bytes)))
	buf.Write(l[:])
	buf.Write(p.Bytes)
	return nil
}

func decodePacket(r *bytes.Reader) (Packet, error) {
	var p Packet
	marker, err := r.ReadByte()
	if err != nil {
		return p, err
	}
	if marker == 1 {
		n, err := readU16(r)
		if err != nil {
			return p, err
		}
		excl := make(map[NodeID]struct{}, n)
		for i := 0; i < int(n); i++ {
			id, err := readU64(r)
			if err != nil {
				return p, err
			}
			excl[NodeID(id)] = struct{}{}
		}
		p.Destination = Destination{Broadcast: true, Exclude: excl}
	} else {
		id, err := readU64(r)
		if err != nil {
			return p, err
		}
		nid := NodeID(id)
		p.Destination = Destination{Direct: &nid}
	}
	netID, err := readU16(r)
	if err != nil {
		return p, err
	}
	p.NetworkID = NetworkID(netID)
	var l [4]byte
	if _, err := readFull(r, l[:]); err != nil {
		return p, err
	}
	n := binary.BigEndian.Uint32(l[:])
	if n > 1<<24 {
		return p, fmt.Errorf("common: packet payload too long (%d)", n)
	}
	data := make([]byte, n)
	if _, err := readFull(r, data); err != nil {
		return p, err
	}
	p.Bytes = data
	return p, nil
}

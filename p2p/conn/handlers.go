package conn

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/catchupnet/conode/common"
)

// processMessage dispatches an already decoded post-handshake message to
// one of the handlers in spec.md §4.4. It is called from the read loop
// for every frame once the connection is PostHandshake.
func (c *Connection) processMessage(msg common.NetworkMessage) error {
	msg.ReceivedAt = common.CurrentStampMillis()
	switch msg.Kind {
	case common.PayloadRequest:
		return c.handleRequest(msg.Request)
	case common.PayloadResponse:
		return c.handleResponse(msg.Response)
	case common.PayloadPacket:
		return c.handlePacket(msg.Packet)
	default:
		return fmt.Errorf("conn: unknown payload kind %d", msg.Kind)
	}
}

func (c *Connection) handleRequest(req common.Request) error {
	switch req.Kind {
	case common.ReqPing:
		return c.sendPong()
	case common.ReqGetPeers:
		return c.handleGetPeers(req.Networks)
	case common.ReqJoinNetwork:
		return c.handleJoinLeaveNetwork(req.Network, true)
	case common.ReqLeaveNetwork:
		return c.handleJoinLeaveNetwork(req.Network, false)
	case common.ReqBanNode:
		return c.handleBan(req.BanNode)
	case common.ReqUnbanNode:
		return c.handleUnban(req.BanNode)
	case common.ReqHandshake:
		// Post-handshake peers never re-send the Handshake request; a
		// remote doing so is protocol noise, not fatal.
		return nil
	default:
		return fmt.Errorf("conn: unknown request kind %d", req.Kind)
	}
}

func (c *Connection) handleResponse(resp common.Response) error {
	switch resp.Kind {
	case common.RespPong:
		return c.handlePong()
	case common.RespPeerList:
		return c.handlePeerList(resp.PeerList)
	default:
		return fmt.Errorf("conn: unknown response kind %d", resp.Kind)
	}
}

func (c *Connection) handlePong() error {
	now := common.CurrentStampMillis()
	c.stats.mu.Lock()
	c.stats.ValidLatency = true
	if now >= c.stats.LastPingSentMillis {
		c.stats.LastLatencyMillis = now - c.stats.LastPingSentMillis
	}
	c.stats.mu.Unlock()
	return nil
}

func (c *Connection) handleGetPeers(nets []common.NetworkID) error {
	requested := make(map[common.NetworkID]struct{}, len(nets))
	for _, n := range nets {
		requested[n] = struct{}{}
	}
	peers := c.handler.KnownPeers(requested, c.handler.MaxPeerListSize())
	return c.AsyncSend(common.NetworkMessage{
		CreatedAt: common.CurrentStampMillis(),
		Kind:      common.PayloadResponse,
		Response:  common.Response{Kind: common.RespPeerList, PeerList: peers},
	}, PriorityLow)
}

func (c *Connection) sendPeerListSnapshot() error {
	remoteNets := c.RemoteNetworks()
	peers := c.handler.KnownPeers(remoteNets, c.handler.MaxPeerListSize())
	return c.AsyncSend(common.NetworkMessage{
		CreatedAt: common.CurrentStampMillis(),
		Kind:      common.PayloadResponse,
		Response:  common.Response{Kind: common.RespPeerList, PeerList: peers},
	}, PriorityLow)
}

func (c *Connection) handlePeerList(peers []common.Peer) error {
	budget := c.handler.DesiredNodesCount() - c.handler.CurrentPeerCount()
	if budget <= 0 {
		return nil
	}
	attempted := 0
	for _, p := range peers {
		if attempted >= budget {
			break
		}
		c.handler.TryConnect(p)
		attempted++
	}
	return nil
}

func (c *Connection) handleJoinLeaveNetwork(n common.NetworkID, join bool) error {
	c.mu.Lock()
	if c.remoteNetworks == nil {
		c.remoteNetworks = make(map[common.NetworkID]struct{})
	}
	if join {
		c.remoteNetworks[n] = struct{}{}
	} else {
		delete(c.remoteNetworks, n)
	}
	networks := make(map[common.NetworkID]struct{}, len(c.remoteNetworks))
	for k := range c.remoteNetworks {
		networks[k] = struct{}{}
	}
	c.mu.Unlock()

	peer := c.RemotePeer().Peer()
	c.handler.RememberPeer(peer, networks)
	return nil
}

func (c *Connection) handleBan(target *common.NodeID) error {
	if target == nil {
		return fmt.Errorf("conn: ban request missing target")
	}
	remote := c.RemotePeer()
	if !remote.HasID() {
		return errors.Wrap(ErrHandshakeOutOfOrder, "ban request")
	}
	return c.handler.BanNode(*remote.ID, *target)
}

func (c *Connection) handleUnban(target *common.NodeID) error {
	if target == nil {
		return fmt.Errorf("conn: unban request missing target")
	}
	remote := c.RemotePeer()
	if !remote.HasID() {
		return errors.Wrap(ErrHandshakeOutOfOrder, "unban request")
	}
	if *target == *remote.ID {
		return fmt.Errorf("conn: rejecting self-unban attempt from %s", remote.ID)
	}
	return c.handler.UnbanNode(*remote.ID, *target)
}

func (c *Connection) handlePacket(p common.Packet) error {
	remote := c.RemotePeer()
	if !remote.HasID() {
		return errors.Wrap(ErrHandshakeOutOfOrder, "packet")
	}
	if c.handler.IsDuplicatePacket(p.NetworkID, p.Bytes) {
		return nil
	}
	c.handler.DeliverPacket(*remote.ID, p.NetworkID, p.Bytes, p.Destination.Broadcast, p.Destination.Exclude)
	return nil
}

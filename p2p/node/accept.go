package node

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/flynn/noise"
	"github.com/pkg/errors"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/metrics"
	"github.com/catchupnet/conode/p2p/catchup"
	"github.com/catchupnet/conode/p2p/conn"
	"github.com/catchupnet/conode/p2p/router"
)

// Run binds the listening socket, then drives the node until ctx is
// cancelled: accepting inbound connections, dialing bootstrap peers,
// running housekeeping and bucket cleanup on their configured
// intervals, and pumping the consensus router's inbound queues
// (spec.md §4.5).
func (n *Node) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.ListenAddr, n.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "node: listen on %s", addr)
	}
	n.listener = ln
	logger.Info("listening", "addr", addr, "kind", n.kind, "id", n.selfID)

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(4)
	go n.acceptLoop(runCtx)
	go n.bootstrapLoop(runCtx)
	go n.housekeepingLoop(runCtx)
	go n.routerPumpLoop(runCtx)

	<-runCtx.Done()
	return n.shutdown()
}

// Shutdown requests the node stop; Run's caller should cancel the
// context it passed to Run instead when possible, but Shutdown is
// available for callers that only hold the Node.
func (n *Node) Shutdown() {
	if n.cancel != nil {
		n.cancel()
	}
}

func (n *Node) shutdown() error {
	logger.Info("shutting down")
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.RLock()
	conns := make([]*conn.Connection, 0, len(n.connections))
	for _, c := range n.connections {
		conns = append(conns, c)
	}
	n.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
	n.wg.Wait()
	if n.bans != nil {
		n.bans.Close()
	}
	if n.dumper != nil {
		n.dumper.Close()
	}
	return nil
}

func (n *Node) acceptLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		nc, err := n.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn("accept failed", "err", err)
				continue
			}
		}
		if n.kind == common.KindNode && n.cfg.HardConnectionLimit > 0 {
			n.mu.RLock()
			count := len(n.connections)
			n.mu.RUnlock()
			if count >= int(n.cfg.HardConnectionLimit) {
				nc.Close()
				continue
			}
		}
		if n.hasConnectionFromAddr(nc.RemoteAddr()) {
			nc.Close()
			continue
		}
		n.registerAndRun(ctx, nc, false, common.KindNode)
		metrics.ConnectionsAccepted.Inc(1)
	}
}

func (n *Node) hasConnectionFromAddr(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, c := range n.connections {
		if c.RemotePeer().ObservedAddr.IP.Equal(tcpAddr.IP) && c.RemotePeer().ObservedAddr.Port == tcpAddr.Port {
			return true
		}
	}
	return false
}

func (n *Node) dial(addr string, kind common.PeerKind) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		logger.Debug("dial failed", "addr", addr, "err", err)
		n.resolver.RecordFailure(addr)
		return
	}
	if nc.RemoteAddr().String() == "" {
		nc.Close()
		return
	}
	n.resolver.RecordSuccess(addr)
	n.registerAndRun(context.Background(), nc, true, kind)
	metrics.ConnectionsDialed.Inc(1)
}

func (n *Node) registerAndRun(ctx context.Context, nc net.Conn, outbound bool, kind common.PeerKind) {
	n.mu.Lock()
	n.nextConnID++
	id := n.nextConnID
	n.mu.Unlock()

	opts := conn.Options{
		StaticKey:         noise.DHKey{Private: append([]byte(nil), n.staticKey.Private...), Public: append([]byte(nil), n.staticKey.Public...)},
		Handler:           n,
		Dumper:            n.dumperOrNil(),
		OutboundQueueSize: 256,
		Kind:              kind,
	}

	var c *conn.Connection
	var err error
	if outbound {
		c, err = conn.NewOutbound(id, nc, opts)
	} else {
		c, err = conn.NewInbound(id, nc, opts)
	}
	if err != nil {
		logger.Warn("failed to construct connection", "err", err)
		nc.Close()
		return
	}

	n.mu.Lock()
	n.connections[id] = c
	n.mu.Unlock()
	metrics.PeersPreHandshake.Inc(1)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.unregister(id)
		if err := c.Run(ctx); err != nil {
			logger.Debug("connection ended", "id", id, "err", err)
		}
	}()
}

func (n *Node) unregister(id uint64) {
	n.mu.Lock()
	c, ok := n.connections[id]
	delete(n.connections, id)
	n.mu.Unlock()
	if !ok {
		return
	}
	if remote := c.RemotePeer(); remote.HasID() {
		n.peers.Remove(*remote.ID)
		metrics.PeersPostHandshake.Dec(1)
	} else {
		metrics.PeersPreHandshake.Dec(1)
	}
}

func (n *Node) bootstrapLoop(ctx context.Context) {
	defer n.wg.Done()
	n.doBootstrap(ctx)
	ticker := time.NewTicker(n.cfg.BootstrappingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.kind == common.KindNode && n.CurrentPeerCount() < int(n.cfg.DesiredNodesCount) {
				n.doBootstrap(ctx)
			}
		}
	}
}

func (n *Node) doBootstrap(ctx context.Context) {
	addrs, err := n.resolver.BootstrapAddresses(ctx)
	if err != nil {
		logger.Warn("failed to resolve bootstrap addresses", "err", err)
		return
	}
	n.lastBootstrapMillis = nowMillis()
	for _, addr := range addrs {
		go n.dial(addr, common.KindBootstrapper)
	}
}

func (n *Node) routerPumpLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for n.router.PumpHigh(nowMillis()) {
			}
			for n.router.PumpLow(nowMillis()) {
			}
			n.pumpCatchUp()
		}
	}
}

func (n *Node) sendCatchUpStatus(id common.NodeID) {
	if err := n.router.SendOut(router.PacketCatchUpStatus, 0, common.DirectTo(id), nil); err != nil {
		logger.Debug("failed to send catch-up status", "id", id, "err", err)
	}
}

func (n *Node) pumpCatchUp() {
	// One action per tick; the full action menu (drop-stalled,
	// send-catch-up-status, start-baker) is described in spec.md §4.7.
	action, id := n.peers.Next(nowMillis())
	switch action {
	case catchup.ActionDropStalled:
		n.closeConnectionsByID(id)
		metrics.CatchUpStalled.Inc(1)
	case catchup.ActionSendCatchUpStatus:
		n.sendCatchUpStatus(id)
	case catchup.ActionStartBaker:
		n.router.StartBaker()
	}
}

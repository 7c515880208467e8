package node

import (
	"context"
	"math/rand"
	"time"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/metrics"
	"github.com/catchupnet/conode/p2p/conn"
)

// Keep-alive budgets per spec.md §5. Bootstrapper connections are kept
// alive longer since they are infrequent, stable peers rather than the
// bulk of churny node-to-node traffic.
const (
	maxKeepAliveNode          = 2 * time.Minute
	maxKeepAliveBootstrapper  = 10 * time.Minute
	maxPreHandshakeKeepAlive  = 10 * time.Second
	maxFailedPacketsAllowed   = 32
	maxLatencyDefaultMillis   = 5000
)

func (n *Node) housekeepingLoop(ctx context.Context) {
	defer n.wg.Done()
	houseTicker := time.NewTicker(n.cfg.HousekeepingInterval())
	defer houseTicker.Stop()
	bucketTicker := time.NewTicker(n.cfg.BucketCleanupInterval())
	defer bucketTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-houseTicker.C:
			n.runHousekeeping()
		case <-bucketTicker.C:
			n.buckets.Clean(nowMillis() - n.cfg.TimeoutBucketEntryPeriodSec*1000)
		}
	}
}

// runHousekeeping implements spec.md §4.5 step 5: evict inactive,
// faulty, over-latency and duplicate-id connections; enforce
// max_allowed_nodes; re-bootstrap if overdue.
func (n *Node) runHousekeeping() {
	now := nowMillis()

	n.mu.RLock()
	all := make([]*conn.Connection, 0, len(n.connections))
	for _, c := range n.connections {
		all = append(all, c)
	}
	n.mu.RUnlock()

	seenIDs := make(map[common.NodeID]*conn.Connection)
	live := make([]common.NodeID, 0, len(all))

	for _, c := range all {
		if n.evictIfStale(c, now) {
			continue
		}
		remote := c.RemotePeer()
		if !remote.HasID() {
			continue
		}
		live = append(live, *remote.ID)
		if existing, dup := seenIDs[*remote.ID]; dup {
			// Keep the older connection, close the newer duplicate
			// (spec.md §8 invariant 6: at most one post-handshake
			// connection per NodeId after housekeeping).
			if existing.ID < c.ID {
				c.CloseWithReason(conn.ErrDuplicateConnection)
			} else {
				existing.CloseWithReason(conn.ErrDuplicateConnection)
				seenIDs[*remote.ID] = c
			}
			continue
		}
		seenIDs[*remote.ID] = c
	}

	n.peers.Reconcile(live, now)
	n.enforceMaxAllowedNodes()
	n.maybeRebootstrap(now)
	n.resolver.ClearExpiredUnreachable(now)
	n.logThroughput()
}

// logThroughput reports the moving bytes/sec and messages/sec rates
// tracked by the p2p/net meters, restoring the original's periodic
// print_stats behavior. go-metrics' Meter already maintains the
// exponentially-weighted rate, so this is a read, not a computation.
func (n *Node) logThroughput() {
	logger.Debug("throughput",
		"bytes_in_per_sec", metrics.BytesIn.Rate1(),
		"bytes_out_per_sec", metrics.BytesOut.Rate1(),
		"messages_in_per_sec", metrics.MessagesIn.Rate1(),
		"messages_out_per_sec", metrics.MessagesOut.Rate1(),
	)
}

func (n *Node) evictIfStale(c *conn.Connection, now uint64) bool {
	stats := c.Stats()
	state := c.State()

	if state == conn.PreHandshake {
		if now-stats.LastSeenMillis > uint64(maxPreHandshakeKeepAlive.Milliseconds()) && stats.LastSeenMillis != 0 {
			c.Close()
			metrics.ConnectionsEvicted.Inc(1)
			return true
		}
		return false
	}

	remote := c.RemotePeer()
	keepAlive := maxKeepAliveNode
	if remote.Kind == common.KindBootstrapper {
		keepAlive = maxKeepAliveBootstrapper
	}
	if stats.LastSeenMillis != 0 && now-stats.LastSeenMillis > uint64(keepAlive.Milliseconds()) {
		c.Close()
		metrics.ConnectionsEvicted.Inc(1)
		return true
	}
	if stats.FailedPackets > maxFailedPacketsAllowed {
		c.Close()
		metrics.ConnectionsEvicted.Inc(1)
		return true
	}
	maxLatency := uint64(maxLatencyDefaultMillis)
	if n.cfg.MaxLatencyMillis != nil {
		maxLatency = *n.cfg.MaxLatencyMillis
	}
	if stats.ValidLatency && stats.LastLatencyMillis > maxLatency {
		c.Close()
		metrics.ConnectionsEvicted.Inc(1)
		return true
	}
	return false
}

func (n *Node) enforceMaxAllowedNodes() {
	if n.cfg.MaxAllowedNodes == 0 {
		return
	}
	n.mu.RLock()
	over := len(n.connections) - int(n.cfg.MaxAllowedNodes)
	var candidates []*conn.Connection
	if over > 0 {
		for _, c := range n.connections {
			if c.RemotePeer().Kind != common.KindBootstrapper {
				candidates = append(candidates, c)
			}
		}
	}
	n.mu.RUnlock()
	if over <= 0 || len(candidates) == 0 {
		return
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if over > len(candidates) {
		over = len(candidates)
	}
	for _, c := range candidates[:over] {
		c.Close()
		metrics.ConnectionsEvicted.Inc(1)
	}
}

func (n *Node) maybeRebootstrap(now uint64) {
	if n.kind != common.KindNode {
		return
	}
	interval := n.cfg.BootstrappingIntervalSec * 1000
	if n.lastBootstrapMillis != 0 && now-n.lastBootstrapMillis > interval {
		logger.Info("re-bootstrapping, stale since", "last", n.lastBootstrapMillis)
		n.doBootstrap(context.Background())
	}
}

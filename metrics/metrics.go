// Package metrics exposes the node's runtime counters and gauges
// (spec.md §9 observability, C6/C9), built on rcrowley/go-metrics the
// way the teacher instruments its p2p and miner packages. These are
// in-process instruments only: nothing here wires to Prometheus or any
// other exporter, matching spec.md's explicit non-goal of an external
// metrics sink.
package metrics

import (
	"github.com/rcrowley/go-metrics"
)

var (
	// Peers currently connected, by state. Counters (not gauges) since
	// they only ever move by Inc/Dec as connections are registered,
	// promoted and torn down.
	PeersPreHandshake  = metrics.NewRegisteredCounter("p2p/peers/prehandshake", metrics.DefaultRegistry)
	PeersPostHandshake = metrics.NewRegisteredCounter("p2p/peers/posthandshake", metrics.DefaultRegistry)

	// Byte and message throughput.
	BytesIn  = metrics.NewRegisteredMeter("p2p/net/bytesin", metrics.DefaultRegistry)
	BytesOut = metrics.NewRegisteredMeter("p2p/net/bytesout", metrics.DefaultRegistry)
	MessagesIn  = metrics.NewRegisteredMeter("p2p/net/messagesin", metrics.DefaultRegistry)
	MessagesOut = metrics.NewRegisteredMeter("p2p/net/messagesout", metrics.DefaultRegistry)

	// Rejections.
	InvalidPackets   = metrics.NewRegisteredCounter("p2p/rejected/invalidpackets", metrics.DefaultRegistry)
	BannedRejections = metrics.NewRegisteredCounter("p2p/rejected/banned", metrics.DefaultRegistry)
	DuplicatePackets = metrics.NewRegisteredCounter("p2p/rejected/duplicate", metrics.DefaultRegistry)

	// Connection lifecycle.
	ConnectionsAccepted = metrics.NewRegisteredCounter("p2p/conn/accepted", metrics.DefaultRegistry)
	ConnectionsDialed   = metrics.NewRegisteredCounter("p2p/conn/dialed", metrics.DefaultRegistry)
	ConnectionsClosed   = metrics.NewRegisteredCounter("p2p/conn/closed", metrics.DefaultRegistry)
	ConnectionsEvicted  = metrics.NewRegisteredCounter("p2p/conn/evicted", metrics.DefaultRegistry)

	// Consensus-facing router (C9).
	InboundQueueDropsHigh = metrics.NewRegisteredCounter("p2p/router/inbound_drops_high", metrics.DefaultRegistry)
	InboundQueueDropsLow  = metrics.NewRegisteredCounter("p2p/router/inbound_drops_low", metrics.DefaultRegistry)
	OutboundBroadcasts    = metrics.NewRegisteredCounter("p2p/router/outbound_broadcasts", metrics.DefaultRegistry)
	OutboundDirects       = metrics.NewRegisteredCounter("p2p/router/outbound_directs", metrics.DefaultRegistry)

	// Catch-up (C8).
	CatchUpPending    = metrics.NewRegisteredGauge("p2p/catchup/pending", metrics.DefaultRegistry)
	CatchUpInProgress = metrics.NewRegisteredGauge("p2p/catchup/inprogress", metrics.DefaultRegistry)
	CatchUpStalled    = metrics.NewRegisteredCounter("p2p/catchup/stalled", metrics.DefaultRegistry)
)

// LatencyTimer returns a registered timer for measuring round trip
// latency to peers, one instrument shared across all connections (the
// teacher's p2p/metrics package follows the same shared-timer pattern
// for propagation delay).
var LatencyTimer = metrics.NewRegisteredTimer("p2p/net/latency", metrics.DefaultRegistry)

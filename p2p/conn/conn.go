// Package conn implements the per-socket connection state machine
// described in spec.md §4.4 (C5), layered on top of the noise
// handshake and chunked framing in p2p/frame (C1/C2).
//
// Each Connection owns exactly one net.Conn and runs two goroutines: a
// read loop and a write loop. This is the "coroutine-style I/O"
// alternative spec.md's Design Notes call out explicitly as an equally
// valid redesign of the original single-threaded, non-blocking poller:
// one goroutine performing blocking reads plays the same role as one
// poll-driven socket registration, and the Go runtime's own scheduler
// is the thread pool the original dispatches work to by hand.
package conn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/flynn/noise"
	"github.com/pkg/errors"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/log"
	"github.com/catchupnet/conode/metrics"
	"github.com/catchupnet/conode/p2p/frame"
)

var logger = log.NewModuleLogger(log.P2PConn)

// Sentinel errors matching spec.md §7's error-kind taxonomy. Call
// sites wrap these with errors.Wrapf for context; errors.Is still
// matches through the wrap since pkg/errors implements Unwrap.
var (
	ErrBanned              = errors.New("conn: remote is banned")
	ErrIncompatibleVersion = errors.New("conn: incompatible handshake version")
	ErrHandshakeOutOfOrder = errors.New("conn: message received before handshake completed")
	ErrDuplicateConnection = errors.New("conn: duplicate connection for node id")
	ErrSelfConnect         = errors.New("conn: remote claims this node's own id")
)

// State is the connection's position in the PreHandshake ->
// PostHandshake -> Closing state machine. Closing is terminal.
type State int32

const (
	PreHandshake State = iota
	PostHandshake
	Closing
)

func (s State) String() string {
	switch s {
	case PreHandshake:
		return "prehandshake"
	case PostHandshake:
		return "posthandshake"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Priority orders pending outbound messages; higher drains first, ties
// are FIFO within a priority level (spec.md §5 ordering guarantees).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// Stats tracks the liveness and health counters housekeeping reads to
// decide eviction (spec.md §4.4, §5).
type Stats struct {
	mu               sync.Mutex
	BytesSent        uint64
	BytesReceived    uint64
	MessagesSent     uint64
	MessagesReceived uint64
	FailedPackets    uint32
	LastSeenMillis   uint64
	LastPingSentMillis uint64
	LastLatencyMillis  uint64
	ValidLatency       bool
}

func (s *Stats) touch() {
	s.mu.Lock()
	s.LastSeenMillis = common.CurrentStampMillis()
	s.mu.Unlock()
}

func (s *Stats) addFailedPacket() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailedPackets++
	return s.FailedPackets
}

// Snapshot returns a copy of the stats safe for a caller to inspect
// without racing the connection's own goroutines.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s
	cp.mu = sync.Mutex{}
	return cp
}

// FrameDumper receives a copy of every raw frame crossing a connection,
// for the optional debug dump channel (spec.md §6 observability, C1).
type FrameDumper interface {
	DumpFrame(connID uint64, direction string, raw []byte)
}

// dumperBox wraps a FrameDumper so atomic.Value always sees the same
// concrete type across Store calls, even when the dumper itself is nil
// (atomic.Value panics on a nil interface{} or on a type change).
type dumperBox struct{ d FrameDumper }

// Handler is the node-level callback surface a Connection needs but
// does not own: the known-peer directory, dedup queues, ban checks and
// consensus delivery all live one level up, in the node event loop
// (spec.md's Design Notes call this out as a handle passed in at
// construction time rather than a self-reference embedded in the
// connection).
type Handler interface {
	SelfID() common.NodeID
	SelfKind() common.PeerKind
	SelfNetworks() map[common.NetworkID]struct{}
	SelfPort() uint16
	Version() string

	IsBanned(id common.NodeID, addr net.IP) bool
	KnownPeers(networks map[common.NetworkID]struct{}, limit int) []common.Peer
	RememberPeer(peer common.Peer, networks map[common.NetworkID]struct{})
	DesiredNodesCount() int
	CurrentPeerCount() int
	TryConnect(peer common.Peer)

	BanNode(actor, target common.NodeID) error
	UnbanNode(actor, target common.NodeID) error

	IsDuplicatePacket(networkID common.NetworkID, payload []byte) bool
	DeliverPacket(sourceID common.NodeID, networkID common.NetworkID, bytes []byte, isBroadcast bool, dontRelayTo map[common.NodeID]struct{})

	MaxPeerListSize() int
}

// Connection is one peer connection, from raw socket up through the
// decoded application protocol.
type Connection struct {
	ID        uint64
	netConn   net.Conn
	bufReader *bufio.Reader

	session     *frame.HandshakeSession
	csOut, csIn *noise.CipherState

	state int32 // State, accessed atomically

	// configuredKind is the peer kind this side dialed/accepted the
	// connection as: the dial-time intent for outbound connections
	// (e.g. common.KindBootstrapper when dialing a configured bootstrap
	// address), or common.KindNode for every inbound connection. The
	// wire Handshake carries no Kind field, so this is the only source
	// of truth acceptRemoteHandshake has for remote.Kind.
	configuredKind common.PeerKind

	mu             sync.RWMutex
	remote         common.RemotePeer
	remoteNetworks map[common.NetworkID]struct{}

	stats Stats

	highQueue chan []byte
	lowQueue  chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error

	handler      Handler
	dumperHolder atomic.Value // holds dumperBox

	maxQueueSize int

	logger log.Logger
}

// Options configures a new Connection.
type Options struct {
	StaticKey       noise.DHKey
	Handler         Handler
	Dumper          FrameDumper // may be nil
	OutboundQueueSize int
	// Kind is the peer kind this connection was dialed/accepted as; see
	// Connection.configuredKind.
	Kind common.PeerKind
}

func newConnection(id uint64, nc net.Conn, initiator bool, opts Options) (*Connection, error) {
	session, err := frame.NewSession(initiator, opts.StaticKey)
	if err != nil {
		return nil, err
	}
	qsize := opts.OutboundQueueSize
	if qsize <= 0 {
		qsize = 256
	}
	c := &Connection{
		ID:             id,
		netConn:        nc,
		bufReader:      bufio.NewReader(nc),
		session:        session,
		state:          int32(PreHandshake),
		configuredKind: opts.Kind,
		highQueue:      make(chan []byte, qsize),
		lowQueue:       make(chan []byte, qsize),
		closeCh:        make(chan struct{}),
		handler:        opts.Handler,
		maxQueueSize:   qsize,
		logger:         logger.New("conn", id, "remote", nc.RemoteAddr()),
	}
	c.dumperHolder.Store(dumperBox{d: opts.Dumper})
	// Stamp creation time so the pre-handshake keep-alive can apply.
	c.stats.touch()
	return c, nil
}

// SetDumper replaces the frame dumper this connection reports to,
// taking effect on the next frame; safe to call while Run is active
// (spec.md §6's dump channel can be started/stopped at runtime).
func (c *Connection) SetDumper(d FrameDumper) {
	c.dumperHolder.Store(dumperBox{d: d})
}

func (c *Connection) loadDumper() FrameDumper {
	return c.dumperHolder.Load().(dumperBox).d
}

// NewOutbound constructs a Connection that has just dialed nc and must
// drive the noise XX handshake as the initiator.
func NewOutbound(id uint64, nc net.Conn, opts Options) (*Connection, error) {
	return newConnection(id, nc, true, opts)
}

// NewInbound constructs a Connection for a freshly accepted socket,
// awaiting the peer's first handshake message.
func NewInbound(id uint64, nc net.Conn, opts Options) (*Connection, error) {
	return newConnection(id, nc, false, opts)
}

// State returns the connection's current state.
func (c *Connection) State() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Connection) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

// RemotePeer returns a snapshot of what is currently known about the
// remote endpoint.
func (c *Connection) RemotePeer() common.RemotePeer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

// RemoteNetworks returns a copy of the networks the remote last advertised.
func (c *Connection) RemoteNetworks() map[common.NetworkID]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[common.NetworkID]struct{}, len(c.remoteNetworks))
	for n := range c.remoteNetworks {
		out[n] = struct{}{}
	}
	return out
}

// Stats returns a snapshot of the connection's counters.
func (c *Connection) Stats() Stats { return c.stats.Snapshot() }

// Run drives the connection until ctx is cancelled or the connection
// closes itself: it performs the handshake, then runs the read and
// write loops until either fails. Run blocks; call it from its own
// goroutine.
func (c *Connection) Run(ctx context.Context) error {
	if err := c.runHandshake(ctx); err != nil {
		c.fail(err)
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop()
	}()
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	select {
	case <-ctx.Done():
		c.Close()
	case <-c.closeCh:
	}
	wg.Wait()
	return c.closeErr
}

// Close marks the connection Closing and releases the socket. Safe to
// call multiple times and from multiple goroutines.
func (c *Connection) Close() {
	c.CloseWithReason(nil)
}

// CloseWithReason closes the connection the same way Close does, but
// records reason as the error Run() returns, so a caller outside the
// connection's own goroutines (e.g. housekeeping evicting a duplicate)
// can record why.
func (c *Connection) CloseWithReason(reason error) {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		c.setState(Closing)
		close(c.closeCh)
		c.netConn.Close()
		metrics.ConnectionsClosed.Inc(1)
	})
}

func (c *Connection) fail(err error) {
	c.logger.Debug("connection failed", "err", err)
	c.CloseWithReason(err)
}

// AsyncSend enqueues a post-handshake application payload for the write
// loop. It never blocks the caller past the queue's capacity: a full
// queue drops the message and reports it via the returned error, which
// matches spec.md's "outbound queue drained every tick" model without
// letting a slow peer stall a fast one's caller.
func (c *Connection) AsyncSend(msg common.NetworkMessage, priority Priority) error {
	if c.State() != PostHandshake {
		return errors.New("conn: cannot send before post-handshake")
	}
	body, err := common.EncodeMessage(msg)
	if err != nil {
		return err
	}
	frameBytes, err := frame.EncryptMessage(c.csOut, body)
	if err != nil {
		return err
	}
	q := c.lowQueue
	if priority == PriorityHigh {
		q = c.highQueue
	}
	select {
	case q <- frameBytes:
		return nil
	default:
		return fmt.Errorf("conn %d: outbound queue full, dropping message", c.ID)
	}
}

// SendPing enqueues a liveness ping and stamps last_ping_sent.
func (c *Connection) SendPing() error {
	c.stats.mu.Lock()
	c.stats.LastPingSentMillis = common.CurrentStampMillis()
	c.stats.mu.Unlock()
	return c.AsyncSend(common.NetworkMessage{
		CreatedAt: common.CurrentStampMillis(),
		Kind:      common.PayloadRequest,
		Request:   common.Request{Kind: common.ReqPing},
	}, PriorityHigh)
}

func (c *Connection) sendPong() error {
	return c.AsyncSend(common.NetworkMessage{
		CreatedAt: common.CurrentStampMillis(),
		Kind:      common.PayloadResponse,
		Response:  common.Response{Kind: common.RespPong},
	}, PriorityHigh)
}

func (c *Connection) writeLoop() {
	for {
		var payload []byte
		select {
		case payload = <-c.highQueue:
		default:
			select {
			case payload = <-c.highQueue:
			case payload = <-c.lowQueue:
			case <-c.closeCh:
				return
			}
		}
		if d := c.loadDumper(); d != nil {
			d.DumpFrame(c.ID, "out", payload)
		}
		n, err := c.netConn.Write(payload)
		if err != nil {
			c.fail(errors.Wrap(err, "conn: write"))
			return
		}
		c.stats.mu.Lock()
		c.stats.BytesSent += uint64(n)
		c.stats.MessagesSent++
		c.stats.mu.Unlock()
		metrics.BytesOut.Mark(int64(n))
		metrics.MessagesOut.Mark(1)
	}
}

func (c *Connection) readLoop() {
	postLimit := frame.SizeLimit(true)
	for {
		n, err := frame.ReadLengthPrefix(c.bufReader, postLimit)
		if err != nil {
			c.fail(errors.Wrap(err, "conn: read length prefix"))
			return
		}
		body := make([]byte, n)
		if _, err := readFull(c.bufReader, body); err != nil {
			c.fail(errors.Wrap(err, "conn: read frame body"))
			return
		}
		if d := c.loadDumper(); d != nil {
			d.DumpFrame(c.ID, "in", body)
		}
		c.stats.touch()
		c.stats.mu.Lock()
		c.stats.BytesReceived += uint64(n)
		c.stats.MessagesReceived++
		c.stats.mu.Unlock()
		metrics.BytesIn.Mark(int64(n))
		metrics.MessagesIn.Mark(1)

		plaintext, err := frame.DecryptMessage(c.csIn, body)
		if err != nil {
			c.registerFailedPacket("decrypt failure")
			c.fail(errors.Wrap(err, "conn: decrypt"))
			return
		}
		msg, err := common.DecodeMessage(plaintext)
		if err != nil {
			c.registerFailedPacket("malformed message")
			continue
		}
		if err := c.processMessage(msg); err != nil {
			c.registerFailedPacket(err.Error())
		}
	}
}

func (c *Connection) registerFailedPacket(reason string) {
	metrics.InvalidPackets.Inc(1)
	n := c.stats.addFailedPacket()
	c.logger.Debug("failed packet", "reason", reason, "total", n)
}

func readFull(r *bufio.Reader, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := r.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

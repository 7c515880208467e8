// Package discovery resolves bootstrap addresses and tracks nodes the
// local node has failed to reach, supplementing spec.md's bootstrap
// configuration (§6 "bootstrap server and nodes") with the original
// source's unreachable-node tracking (spec.md §9 ambiguities aside,
// this behavior was present upstream and dropped from the distilled
// spec; it is reinstated here as an enrichment).
package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/log"
	"github.com/catchupnet/conode/store"
)

var logger = log.NewModuleLogger(log.P2PBootstrap)

// unreachableThreshold is how many consecutive failed attempts forget a
// peer address from the discovery cache entirely, on top of the
// time-bound mark below.
const unreachableThreshold = 5

// maxUnreachableMarkMillis bounds how long a single failed connect
// attempt keeps an address out of BootstrapAddresses, mirroring the
// original source's MAX_UNREACHABLE_MARK_TIME (spec.md §4 supplemented
// "Unreachable-node tracking" feature).
const maxUnreachableMarkMillis = 5 * 60 * 1000

// Resolver turns the configured bootstrap server and static node list
// into concrete dial targets, remembering which addresses have
// repeatedly failed to connect.
type Resolver struct {
	mu                     sync.Mutex
	cache                  *store.DiscoveryCache
	staticNodes            []string
	bootstrapDNS           string
	failureCounts          map[string]int
	markedUnreachableUntil map[string]uint64
	noDNS                  bool
}

// Options configures a Resolver.
type Options struct {
	Cache           *store.DiscoveryCache
	BootstrapServer string // DNS name resolved for SRV/A bootstrap peers
	StaticNodes     []string
	NoBootstrapDNS  bool
}

// New builds a Resolver. Cache may be nil, in which case previously
// remembered addresses are not replayed across restarts.
func New(opts Options) *Resolver {
	return &Resolver{
		cache:                  opts.Cache,
		staticNodes:            opts.StaticNodes,
		bootstrapDNS:           opts.BootstrapServer,
		failureCounts:          make(map[string]int),
		markedUnreachableUntil: make(map[string]uint64),
		noDNS:                  opts.NoBootstrapDNS,
	}
}

// BootstrapAddresses returns every address worth dialing on startup:
// statically configured nodes, anything remembered from a prior
// session, and (unless disabled) addresses resolved from the
// configured bootstrap DNS name.
func (r *Resolver) BootstrapAddresses(ctx context.Context) ([]string, error) {
	now := common.CurrentStampMillis()
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		if r.IsUnreachable(addr, now) {
			return
		}
		out = append(out, addr)
	}

	for _, n := range r.staticNodes {
		add(n)
	}

	if r.cache != nil {
		remembered, err := r.cache.Addresses()
		if err != nil {
			logger.Warn("failed to read discovery cache", "err", err)
		}
		for _, addr := range remembered {
			add(addr)
		}
	}

	if !r.noDNS && r.bootstrapDNS != "" {
		resolver := net.DefaultResolver
		addrs, err := resolver.LookupHost(ctx, r.bootstrapDNS)
		if err != nil {
			logger.Warn("bootstrap dns lookup failed", "host", r.bootstrapDNS, "err", err)
		}
		for _, a := range addrs {
			add(a)
		}
	}

	return out, nil
}

// RecordSuccess clears an address's failure count and unreachable mark,
// and remembers it for next startup.
func (r *Resolver) RecordSuccess(addr string) {
	r.mu.Lock()
	delete(r.failureCounts, addr)
	delete(r.markedUnreachableUntil, addr)
	r.mu.Unlock()
	if r.cache != nil {
		if err := r.cache.Remember(addr); err != nil {
			logger.Warn("failed to persist discovered address", "addr", addr, "err", err)
		}
	}
}

// RecordFailure marks addr unreachable for maxUnreachableMarkMillis, so
// bootstrap/GetPeers-driven connect attempts skip it until the mark
// expires (spec.md §4 supplemented "Unreachable-node tracking" feature).
// Once the address has failed unreachableThreshold consecutive times it
// is additionally forgotten from the discovery cache entirely, so it
// stops being replayed across restarts.
func (r *Resolver) RecordFailure(addr string) {
	now := common.CurrentStampMillis()
	r.mu.Lock()
	r.failureCounts[addr]++
	r.markedUnreachableUntil[addr] = now + maxUnreachableMarkMillis
	forget := r.failureCounts[addr] >= unreachableThreshold
	if forget {
		delete(r.failureCounts, addr)
	}
	r.mu.Unlock()

	logger.Debug("marking address unreachable", "addr", addr, "until", now+maxUnreachableMarkMillis)
	if forget && r.cache != nil {
		if err := r.cache.Forget(addr); err != nil {
			logger.Warn("failed to forget unreachable address", "addr", addr, "err", err)
		}
	}
}

// IsUnreachable reports whether addr is currently within its
// maxUnreachableMarkMillis unreachable window as of now.
func (r *Resolver) IsUnreachable(addr string, now uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, marked := r.markedUnreachableUntil[addr]
	return marked && now < until
}

// ClearExpiredUnreachable purges unreachable marks whose window has
// elapsed as of now, restoring the original's periodic housekeeping
// clear of stale unreachable_nodes entries.
func (r *Resolver) ClearExpiredUnreachable(now uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, until := range r.markedUnreachableUntil {
		if now >= until {
			delete(r.markedUnreachableUntil, addr)
		}
	}
}

// ParsePeer parses a "host:port" bootstrap address into a Peer of kind
// Bootstrapper, the kind every statically configured bootstrap node is
// assumed to be.
func ParsePeer(addr string) (common.Peer, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return common.Peer{}, err
	}
	return common.Peer{Addr: *tcpAddr, Kind: common.KindBootstrapper}, nil
}

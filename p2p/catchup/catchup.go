// Package catchup maintains the priority queue of known live peers by
// catch-up status described in spec.md §4.7 (C8): it drives whether the
// node asks a peer for its CatchUpStatus, drops a peer that stalled
// mid-catch-up, or starts the baker once it believes it is current.
package catchup

import (
	"container/heap"
	"sync"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/log"
)

var logger = log.NewModuleLogger(log.P2PCatchup)

// Status is a peer's catch-up state.
type Status int

const (
	// Pending peers have not yet been asked for their CatchUpStatus.
	Pending Status = iota
	// CatchingUp peers have been sent a CatchUpStatus request and are
	// awaiting a reply.
	CatchingUp
	// UpToDate peers are believed to be caught up with this node.
	UpToDate
)

// statusOrder fixes the priority ranking used by the heap: CatchingUp
// sorts first (it may need to be dropped for stalling), then Pending
// (it may need a status request), then UpToDate last.
func statusOrder(s Status) int {
	switch s {
	case CatchingUp:
		return 0
	case Pending:
		return 1
	default:
		return 2
	}
}

// entry is one heap element: a peer's status plus the timestamp the
// priority queue orders ties by (spec.md's Design Notes recommend a
// binary-heap keyed by (status_order, timestamp) with lazy deletion on
// update, which is what entryHeap/stale implement below).
type entry struct {
	id         common.NodeID
	status     Status
	catchUpStamp uint64 // set when status becomes CatchingUp
	timestamp  uint64   // last status-change time, breaks status ties
	index      int
	stale      bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	oi, oj := statusOrder(h[i].status), statusOrder(h[j].status)
	if oi != oj {
		return oi < oj
	}
	return h[i].timestamp < h[j].timestamp
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// PeerList is the per-node catch-up priority structure.
type PeerList struct {
	mu      sync.Mutex
	byID    map[common.NodeID]*entry
	heap    entryHeap
	maxCatchUpTimeMillis uint64
}

// New builds an empty peer list. maxCatchUpTimeMillis bounds how long a
// CatchingUp peer may go without replying before it is dropped as
// stalled (spec.md §4.7, §5 MAX_CATCH_UP_TIME).
func New(maxCatchUpTimeMillis uint64) *PeerList {
	return &PeerList{
		byID:                 make(map[common.NodeID]*entry),
		maxCatchUpTimeMillis: maxCatchUpTimeMillis,
	}
}

// Add inserts a newly connected peer as Pending, or is a no-op if
// already tracked.
func (pl *PeerList) Add(id common.NodeID, now uint64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if _, ok := pl.byID[id]; ok {
		return
	}
	e := &entry{id: id, status: Pending, timestamp: now}
	pl.byID[id] = e
	heap.Push(&pl.heap, e)
}

// Remove drops a peer, e.g. once its connection is gone from the
// connection table (spec.md §4.7 "peer-list is reconciled with the
// connection table").
func (pl *PeerList) Remove(id common.NodeID) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	e, ok := pl.byID[id]
	if !ok {
		return
	}
	delete(pl.byID, id)
	if e.index >= 0 {
		e.stale = true
	}
}

// Reconcile drops tracked peers not present in live, and adds any live
// peer not yet tracked as Pending.
func (pl *PeerList) Reconcile(live []common.NodeID, now uint64) {
	liveSet := make(map[common.NodeID]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}
	pl.mu.Lock()
	for id := range pl.byID {
		if _, ok := liveSet[id]; !ok {
			e := pl.byID[id]
			delete(pl.byID, id)
			if e.index >= 0 {
				e.stale = true
			}
		}
	}
	pl.mu.Unlock()
	for _, id := range live {
		pl.Add(id, now)
	}
}

func (pl *PeerList) setStatus(id common.NodeID, status Status, now uint64) {
	e, ok := pl.byID[id]
	if !ok {
		return
	}
	if e.index >= 0 {
		e.stale = true
	}
	fresh := &entry{id: id, status: status, timestamp: now}
	if status == CatchingUp {
		fresh.catchUpStamp = now
	}
	pl.byID[id] = fresh
	heap.Push(&pl.heap, fresh)
}

// MarkUpToDate transitions id to UpToDate.
func (pl *PeerList) MarkUpToDate(id common.NodeID, now uint64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.setStatus(id, UpToDate, now)
}

// MarkPending transitions id back to Pending.
func (pl *PeerList) MarkPending(id common.NodeID, now uint64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.setStatus(id, Pending, now)
}

// MarkCatchingUp transitions id to CatchingUp and stamps catch_up_stamp.
func (pl *PeerList) MarkCatchingUp(id common.NodeID, now uint64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.setStatus(id, CatchingUp, now)
}

// AllUpToDateToPending transitions every currently UpToDate peer back
// to Pending (spec.md §4.8, CatchUpContinue and the Block/FinalizationRecord
// direct-success case).
func (pl *PeerList) AllUpToDateToPending(now uint64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for id, e := range pl.byID {
		if e.status == UpToDate {
			pl.setStatus(id, Pending, now)
		}
	}
}

// Action is what the top of the peer list says the caller should do
// next, per spec.md §4.7.
type Action int

const (
	ActionNone Action = iota
	ActionDropStalled
	ActionSendCatchUpStatus
	ActionStartBaker
)

// Next inspects the top of the heap and returns the action to take,
// along with the relevant peer id (zero value if ActionNone). Calling
// Next does not itself mutate state beyond lazily discarding stale
// entries, removing the peer from the list (for ActionDropStalled) and
// transitioning the peer to CatchingUp (for ActionSendCatchUpStatus),
// matching spec.md's "set its status to CatchingUp, update
// catch_up_stamp" wording.
func (pl *PeerList) Next(now uint64) (Action, common.NodeID) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for pl.heap.Len() > 0 {
		top := pl.heap[0]
		if top.stale {
			heap.Pop(&pl.heap)
			continue
		}
		switch top.status {
		case CatchingUp:
			if now > top.catchUpStamp+pl.maxCatchUpTimeMillis {
				heap.Pop(&pl.heap)
				delete(pl.byID, top.id)
				logger.Debug("dropping stalled catch-up peer", "id", top.id)
				return ActionDropStalled, top.id
			}
			return ActionNone, common.NodeID(0)
		case Pending:
			id := top.id
			pl.setStatus(id, CatchingUp, now)
			return ActionSendCatchUpStatus, id
		case UpToDate:
			return ActionStartBaker, top.id
		}
	}
	return ActionNone, common.NodeID(0)
}

// TopStatus peeks the top of the heap without mutating anything,
// discarding stale entries first. ok is false if the list is empty.
func (pl *PeerList) TopStatus() (status Status, ok bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for pl.heap.Len() > 0 {
		top := pl.heap[0]
		if top.stale {
			heap.Pop(&pl.heap)
			continue
		}
		return top.status, true
	}
	return 0, false
}

// Len reports how many peers are tracked.
func (pl *PeerList) Len() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.byID)
}

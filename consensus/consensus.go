// Package consensus defines the narrow interface the router (C9) calls
// into. The consensus engine itself is out of scope for this module
// (spec.md §1 Non-goals); this package only pins the contract the
// network layer depends on so p2p/router can be built and tested
// without a real consensus implementation.
package consensus

import "github.com/catchupnet/conode/common"

// Outcome is the result of handing one received packet to consensus.
type Outcome int

const (
	// OutcomeAccepted means the payload was valid and processed.
	OutcomeAccepted Outcome = iota
	// OutcomeRejected means the payload was invalid.
	OutcomeRejected
	// OutcomePending means processing could not complete yet (the node
	// itself needs to catch up first).
	OutcomePending
)

// ProcessResult carries a packet's outcome plus the two pieces of state
// the router needs to apply its rebroadcast and catch-up policy
// (spec.md §4.8).
type ProcessResult struct {
	Outcome       Outcome
	Rebroadcast   bool // true if this payload should be relayed onward
	CatchUpSignal CatchUpSignal
}

// CatchUpSignal distinguishes the catch-up-relevant outcomes consensus
// can report for a processed message, driving peer-list status updates.
type CatchUpSignal int

const (
	// CatchUpNone means this message carries no catch-up implication.
	CatchUpNone CatchUpSignal = iota
	// CatchUpCallerIsUpToDate means the source peer is caught up.
	CatchUpCallerIsUpToDate
	// CatchUpCallerIsPending means the source peer is behind.
	CatchUpCallerIsPending
	// CatchUpContinue means every UpToDate peer should be reconsidered
	// Pending (the local node has fallen behind again).
	CatchUpContinue
)

// Engine is the surface the router uses to hand off inbound packets
// and ask whether an outbound Packet should be built.
type Engine interface {
	// ProcessBlock handles a received Block payload.
	ProcessBlock(source common.NodeID, payload []byte) ProcessResult
	// ProcessTransaction handles a received Transaction payload.
	ProcessTransaction(source common.NodeID, payload []byte) ProcessResult
	// ProcessFinalizationMessage handles a received FinalizationMessage payload.
	ProcessFinalizationMessage(source common.NodeID, payload []byte) ProcessResult
	// ProcessFinalizationRecord handles a received FinalizationRecord payload.
	ProcessFinalizationRecord(source common.NodeID, payload []byte) ProcessResult
	// ProcessCatchUpStatus handles a received CatchUpStatus payload.
	ProcessCatchUpStatus(source common.NodeID, payload []byte) ProcessResult
	// StartBaker transitions consensus out of idle once a peer is
	// determined to be fully caught up (spec.md §4.7).
	StartBaker()
}

// NopEngine is a consensus.Engine that accepts everything and never
// asks for a rebroadcast; useful for wiring the router in isolation
// (tests, or a node built without a consensus engine attached yet).
type NopEngine struct{}

func (NopEngine) ProcessBlock(common.NodeID, []byte) ProcessResult               { return ProcessResult{} }
func (NopEngine) ProcessTransaction(common.NodeID, []byte) ProcessResult         { return ProcessResult{} }
func (NopEngine) ProcessFinalizationMessage(common.NodeID, []byte) ProcessResult { return ProcessResult{} }
func (NopEngine) ProcessFinalizationRecord(common.NodeID, []byte) ProcessResult  { return ProcessResult{} }
func (NopEngine) ProcessCatchUpStatus(common.NodeID, []byte) ProcessResult       { return ProcessResult{} }
func (NopEngine) StartBaker()                                                   {}

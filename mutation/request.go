package mutation

import (
	"fmt"

	"github.com/settfs/sett/common"
	"github.com/settfs/sett/mdtree"
)

// TxnState is the lifecycle position of a request transaction. Transitions
// are validated: an illegal move indicates a driver bug.
type TxnState int

const (
	StateCreated TxnState = iota
	StateAcquiringLocks
	StateLocalApply
	StateDispatchingParticipants
	StateAwaitingWitnesses
	StateCommitting
	StateCompleted
	StateAborted
)

var stateNames = map[TxnState]string{
	StateCreated:                 "created",
	StateAcquiringLocks:          "acquiring_locks",
	StateLocalApply:              "local_apply",
	StateDispatchingParticipants: "dispatching_participants",
	StateAwaitingWitnesses:       "awaiting_witnesses",
	StateCommitting:              "committing",
	StateCompleted:               "completed",
	StateAborted:                 "aborted",
}

func (s TxnState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the transaction can move no further.
func (s TxnState) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

var legalTransitions = map[TxnState][]TxnState{
	StateCreated:                 {StateAcquiringLocks, StateAborted},
	StateAcquiringLocks:          {StateAcquiringLocks, StateLocalApply, StateDispatchingParticipants, StateAborted},
	StateLocalApply:              {StateCompleted, StateAborted},
	StateDispatchingParticipants: {StateAwaitingWitnesses, StateAborted},
	StateAwaitingWitnesses:       {StateCommitting, StateAborted},
	StateCommitting:              {StateCompleted},
}

// CanTransitionTo reports whether moving to next is legal from s.
func (s TxnState) CanTransitionTo(next TxnState) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Extras holds the cross-rank bookkeeping most transactions never touch.
// Allocated on first use; a purely local transaction stays lean.
type Extras struct {
	// Participant tracking for the two-phase protocol.
	Witnessed      map[uint64]struct{} // ranks whose prepare was acked
	WaitingOnSlave map[uint64]struct{} // ranks with a prepare outstanding
	Notified       map[uint64]struct{} // ranks sent the final decision
	PeerVersions   map[uint64]uint64   // object versions reported in acks

	// Two-object operations (rename, link) pin both ends here.
	SrcObject mdtree.ObjectID
	DstObject mdtree.ObjectID

	// Authority-migration interplay.
	FreezeAuthPin    *mdtree.Node // node this transaction froze
	IsAmbiguousAuth  bool
	IsObjectExporter bool

	// Sessions and snapshot state imported with a migrating subtree.
	ImportedSessions map[string][]byte
	AllocSnapID      uint64

	// Participant-side completion hook and captured rollback payload.
	SlaveCommit  func(error)
	RollbackBlob []byte
}

func newExtras() *Extras {
	return &Extras{
		Witnessed:      make(map[uint64]struct{}),
		WaitingOnSlave: make(map[uint64]struct{}),
		Notified:       make(map[uint64]struct{}),
		PeerVersions:   make(map[uint64]uint64),
	}
}

// RequestTxn is a client- or rank-initiated operation moving through the
// transaction lifecycle. It extends the base mutation with the operation
// identity, the state machine, and lazily allocated cross-rank extras.
type RequestTxn struct {
	Mutation

	op     common.OpKind
	state  TxnState
	client string

	// Primary and secondary paths the operation resolves (rename and link
	// have two ends).
	path1 string
	path2 string

	// Encoded operation arguments, journaled and forwarded to participants.
	payload []byte

	retries int

	allocatedIDs []mdtree.ObjectID

	// Internal operations (fragmenting, export) complete through a finish
	// hook instead of a client reply.
	internal bool
	finish   func(error)

	// Read-only requests for the same target can ride one acquisition.
	batch []*RequestTxn

	extras *Extras
}

// NewRequestTxn starts a client-originated transaction.
func NewRequestTxn(reqID, origin uint64, op common.OpKind, client string) *RequestTxn {
	return &RequestTxn{
		Mutation: *NewMutation(reqID, origin),
		op:       op,
		state:    StateCreated,
		client:   client,
	}
}

// NewInternalTxn starts a rank-originated transaction that reports through
// finish instead of a client reply.
func NewInternalTxn(reqID, origin uint64, op common.OpKind, finish func(error)) *RequestTxn {
	t := NewRequestTxn(reqID, origin, op, "")
	t.internal = true
	t.finish = finish
	return t
}

func (t *RequestTxn) Op() common.OpKind { return t.op }
func (t *RequestTxn) Client() string    { return t.client }
func (t *RequestTxn) Internal() bool    { return t.internal }

func (t *RequestTxn) State() TxnState { return t.state }

// Advance moves the state machine, rejecting illegal transitions.
func (t *RequestTxn) Advance(next TxnState) error {
	if !t.state.CanTransitionTo(next) {
		return fmt.Errorf("illegal transition %s -> %s for transaction %#x",
			t.state, next, t.ReqID())
	}
	t.state = next
	return nil
}

func (t *RequestTxn) SetPaths(p1, p2 string) {
	t.path1 = p1
	t.path2 = p2
}

func (t *RequestTxn) Path() string          { return t.path1 }
func (t *RequestTxn) SecondaryPath() string { return t.path2 }

func (t *RequestTxn) SetPayload(b []byte) { t.payload = b }
func (t *RequestTxn) Payload() []byte     { return t.payload }

func (t *RequestTxn) Retries() int { return t.retries }
func (t *RequestTxn) BumpRetries() { t.retries++ }

// RecordAllocatedIDs notes object ids minted for this transaction so a
// failed create can return them to diagnostics.
func (t *RequestTxn) RecordAllocatedIDs(ids []mdtree.ObjectID) {
	t.allocatedIDs = append(t.allocatedIDs, ids...)
}

func (t *RequestTxn) AllocatedIDs() []mdtree.ObjectID { return t.allocatedIDs }

// Finish runs the internal completion hook, once.
func (t *RequestTxn) Finish(err error) {
	if t.finish == nil {
		return
	}
	fn := t.finish
	t.finish = nil
	fn(err)
}

// JoinBatch attaches a same-target read to complete together with this
// transaction.
func (t *RequestTxn) JoinBatch(other *RequestTxn) {
	t.batch = append(t.batch, other)
}

// TakeBatch detaches and returns the riders.
func (t *RequestTxn) TakeBatch() []*RequestTxn {
	b := t.batch
	t.batch = nil
	return b
}

// Extras returns the cross-rank block, allocating it on first use.
func (t *RequestTxn) Extras() *Extras {
	if t.extras == nil {
		t.extras = newExtras()
	}
	return t.extras
}

// HasExtras reports whether the cross-rank block was ever touched.
func (t *RequestTxn) HasExtras() bool { return t.extras != nil }

// Witnessed records a participant's prepare ack and reports whether every
// dispatched participant has now answered.
func (t *RequestTxn) Witnessed(rank uint64) bool {
	x := t.Extras()
	delete(x.WaitingOnSlave, rank)
	x.Witnessed[rank] = struct{}{}
	return len(x.WaitingOnSlave) == 0
}

// AwaitWitness marks a participant's prepare as outstanding.
func (t *RequestTxn) AwaitWitness(rank uint64) {
	t.Extras().WaitingOnSlave[rank] = struct{}{}
}

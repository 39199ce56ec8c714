// Package rank drives the transaction engine of one metadata rank: it
// masters client operations, participates in other ranks' two-phase
// commits, serves cross-rank lock and auth-pin traffic, and keeps the
// per-client lock caches warm.
//
// Everything stateful runs on one executor goroutine. Journal flushes, peer
// round-trips and timers happen elsewhere and resubmit continuations, so no
// lock table or driver structure carries its own mutex.
package rank

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/settfs/sett/cfg"
	"github.com/settfs/sett/cluster"
	"github.com/settfs/sett/common"
	"github.com/settfs/sett/hlc"
	"github.com/settfs/sett/journal"
	"github.com/settfs/sett/locker"
	"github.com/settfs/sett/mdtree"
	"github.com/settfs/sett/mutation"
	"github.com/settfs/sett/telemetry"
	"github.com/settfs/sett/transport"
)

// RetryPolicy bounds how hard the engine fights recoverable refusals.
type RetryPolicy struct {
	PrepareTimeout time.Duration // per-participant prepare deadline
	MaxRetries     int           // full-transaction retry budget
	Backoff        time.Duration // base delay between retry cycles
}

func DefaultRetryPolicy() RetryPolicy {
	c := cfg.Config.Txn
	return RetryPolicy{
		PrepareTimeout: time.Duration(c.PrepareTimeoutMS) * time.Millisecond,
		MaxRetries:     c.MaxRetries,
		Backoff:        time.Duration(c.RetryBackoffMS) * time.Millisecond,
	}
}

const maxBackoffShift = 6

func (p RetryPolicy) backoffFor(retries int) time.Duration {
	shift := retries
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return p.Backoff << uint(shift)
}

// CommitNote describes an applied transaction for downstream consumers.
type CommitNote struct {
	TxnID   uint64
	Op      common.OpKind
	Client  string
	Path    string
	Path2   string
	Rank    uint64
	Objects []uint64

	// Two-path operations report both ends.
	SrcObject uint64
	DstObject uint64
}

// CommitSink receives a note after each commit applies. Delivery happens on
// the rank executor; implementations must not block.
type CommitSink interface {
	CommitApplied(note CommitNote)
}

// Options configure one rank engine.
type Options struct {
	RankID      uint64
	Policy      RetryPolicy
	Caching     CachePolicy
	SlaveExpiry time.Duration // un-acked inbound prepares self-abort after this
	RecentSize  int           // committed-transaction dedup window
	Sink        CommitSink    // optional commit fan-out
}

func DefaultRankOptions(rankID uint64) Options {
	policy := DefaultRetryPolicy()
	return Options{
		RankID:      rankID,
		Policy:      policy,
		Caching:     DefaultCachePolicy(),
		SlaveExpiry: 2 * policy.PrepareTimeout,
		RecentSize:  cfg.Config.Txn.CommittedLRUSize,
	}
}

// grantKey identifies one cross-rank lock grant this rank serves.
type grantKey struct {
	txnID uint64
	id    mdtree.LockID
}

// pinKey identifies one cross-rank auth pin this rank serves.
type pinKey struct {
	txnID  uint64
	object mdtree.ObjectID
}

// wrGrant is one wrlock held here for a remote master. from is the master's
// full rank id; the rank field packed into the ReqID is only six bits wide,
// so it cannot identify the grantor.
type wrGrant struct {
	l    *mdtree.Lock
	from uint64
}

type pinGrant struct {
	node   *mdtree.Node
	from   uint64
	frozen bool
}

// Rank is the transaction engine of one metadata rank.
type Rank struct {
	id    uint64
	tree  *mdtree.Tree
	clock *hlc.Clock
	lk    *locker.Locker
	log   *journal.Log
	peer  transport.Peer
	reg   *cluster.Registry
	ring  *cluster.Ring
	ex    *Executor

	// Executor-owned state. No mutex: only executor tasks touch it.
	txns       map[uint64]*txnDriver
	slaves     map[uint64]*slaveTxn
	remoteWr   map[grantKey]*wrGrant
	remotePins map[pinKey]*pinGrant
	pendingWr  map[grantKey]*remoteWait
	pendingPin map[pinKey]*pinWait
	sessions   map[string][]byte

	slaveLog *mutation.SlaveUpdateLog
	caches   *cacheRegistry
	recent   *lru.Cache[uint64, *transport.AckMsg]

	policy RetryPolicy
	sink   CommitSink
	opts   Options
	closed atomic.Bool
}

// New builds a rank engine over an object tree, a journal and a peer
// transport. Undecided prepare records found in the journal are re-armed
// before the executor starts, so a master's late decision, or its death,
// still resolves them.
func New(tree *mdtree.Tree, jlog *journal.Log, peer transport.Peer, opts Options) (*Rank, error) {
	if opts.RankID == 0 {
		return nil, fmt.Errorf("rank id must be set")
	}
	if opts.Policy.PrepareTimeout <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.SlaveExpiry <= 0 {
		opts.SlaveExpiry = 2 * opts.Policy.PrepareTimeout
	}
	if opts.RecentSize <= 0 {
		opts.RecentSize = 1024
	}
	recent, err := lru.New[uint64, *transport.AckMsg](opts.RecentSize)
	if err != nil {
		return nil, err
	}

	r := &Rank{
		id:         opts.RankID,
		tree:       tree,
		clock:      hlc.NewClock(opts.RankID),
		log:        jlog,
		peer:       peer,
		txns:       make(map[uint64]*txnDriver),
		slaves:     make(map[uint64]*slaveTxn),
		remoteWr:   make(map[grantKey]*wrGrant),
		remotePins: make(map[pinKey]*pinGrant),
		pendingWr:  make(map[grantKey]*remoteWait),
		pendingPin: make(map[pinKey]*pinWait),
		sessions:   make(map[string][]byte),
		slaveLog:   mutation.NewSlaveUpdateLog(),
		recent:     recent,
		policy:     opts.Policy,
		sink:       opts.Sink,
		opts:       opts,
	}
	r.lk = locker.New(&remoteLocker{r: r})
	r.caches = newCacheRegistry(opts.Caching)

	if err := r.recoverPrepares(); err != nil {
		return nil, err
	}
	r.ex = NewExecutor()

	log.Info().Uint64("rank_id", r.id).Int("recovered_prepares", len(r.slaves)).
		Msg("Rank engine up")
	return r, nil
}

// recoverPrepares re-arms every undecided participant record from the
// journal. The in-memory tree is gone, so these records answer decisions
// and the master-death sweep, but apply and rollback are no-ops for them.
func (r *Rank) recoverPrepares() error {
	recs, err := r.log.ListPrepares()
	if err != nil {
		return fmt.Errorf("recovering prepares: %w", err)
	}
	for _, pr := range recs {
		op, derr := DecodeOp(pr.Payload)
		if derr != nil {
			log.Error().Err(derr).Uint64("txn_id", pr.TxnID).
				Msg("Undecodable prepare payload, record kept for the death sweep")
			op = &Op{Kind: pr.Op}
		}
		objects := make([]mdtree.ObjectID, 0, len(op.Updates))
		for _, u := range op.Updates {
			objects = append(objects, mdtree.ObjectID(u.Object))
		}
		r.slaveLog.Register(&mutation.SlaveUpdateRecord{
			TxnID:      pr.TxnID,
			MasterRank: pr.MasterRank,
			Op:         pr.Op,
			Rollback:   pr.Rollback,
			Objects:    objects,
		})
		r.slaves[pr.TxnID] = &slaveTxn{
			txnID:      pr.TxnID,
			masterRank: pr.MasterRank,
			op:         op,
			updates:    op.Updates,
			recovered:  true,
		}
		telemetry.PreparesTotal.With("recovered").Inc()
	}
	return nil
}

// AttachCluster hooks membership into the engine. The ring drives replica
// pin fan-out on authority handoffs; a rank going dead sweeps its prepared
// updates and its cross-rank grants here.
func (r *Rank) AttachCluster(reg *cluster.Registry, ring *cluster.Ring) {
	r.reg = reg
	r.ring = ring
	reg.OnTransition(func(rankID uint64, from, to cluster.RankStatus) {
		if to != cluster.StatusDead {
			return
		}
		r.ex.Submit(func() { r.onRankDead(rankID) })
	})
}

func (r *Rank) ID() uint64         { return r.id }
func (r *Rank) Tree() *mdtree.Tree { return r.tree }

// Stop drains the executor. In-flight journal futures and peer round-trips
// whose continuations miss the drain are abandoned; prepared participant
// state stays in the journal for the next start.
func (r *Rank) Stop() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.ex.Stop()
	log.Info().Uint64("rank_id", r.id).Msg("Rank engine stopped")
}

// Kill tears down an active master transaction. Refused once the
// transaction passed its point of no return or is not known here.
func (r *Rank) Kill(txnID uint64) bool {
	ch := make(chan bool, 1)
	if !r.ex.Submit(func() { ch <- r.killTxn(txnID) }) {
		return false
	}
	return <-ch
}

func (r *Rank) killTxn(txnID uint64) bool {
	d := r.txns[txnID]
	if d == nil || d.finished {
		return false
	}
	if d.txn.IsCommitting() || d.txn.State() == mutation.StateLocalApply {
		log.Warn().Uint64("txn_id", txnID).Msg("Kill refused, transaction is committing")
		return false
	}
	log.Info().Uint64("txn_id", txnID).Str("op", d.op.Kind.String()).Msg("Killing transaction")
	d.txn.Kill()
	r.abortMaster(d, ErrKilled, false)
	return true
}

// TxnInfo is an active transaction snapshot for the admin surface.
type TxnInfo struct {
	TxnID     uint64   `json:"txn_id"`
	Op        string   `json:"op"`
	Client    string   `json:"client,omitempty"`
	Path      string   `json:"path,omitempty"`
	State     string   `json:"state"`
	Retries   int      `json:"retries"`
	Pins      int      `json:"pins"`
	AuthPins  int      `json:"auth_pins"`
	Grants    int      `json:"grants"`
	Waiting   []uint64 `json:"waiting_on,omitempty"`
	Witnessed []uint64 `json:"witnessed,omitempty"`
	Slave     bool     `json:"slave,omitempty"`
	Master    uint64   `json:"master,omitempty"`
	Export    bool     `json:"export,omitempty"`
	Ambiguous bool     `json:"ambiguous,omitempty"`
}

// InspectTxns snapshots every live transaction, masters then slaves, newest
// last. Safe from any goroutine.
func (r *Rank) InspectTxns() []TxnInfo {
	ch := make(chan []TxnInfo, 1)
	if !r.ex.Submit(func() {
		out := make([]TxnInfo, 0, len(r.txns)+len(r.slaves))
		for _, d := range r.txns {
			out = append(out, r.masterInfo(d))
		}
		for _, sd := range r.slaves {
			out = append(out, r.slaveInfo(sd))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].TxnID < out[j].TxnID })
		ch <- out
	}) {
		return nil
	}
	return <-ch
}

// InspectTxn snapshots one transaction by id.
func (r *Rank) InspectTxn(txnID uint64) (TxnInfo, bool) {
	ch := make(chan *TxnInfo, 1)
	if !r.ex.Submit(func() {
		if d, ok := r.txns[txnID]; ok {
			info := r.masterInfo(d)
			ch <- &info
			return
		}
		if sd, ok := r.slaves[txnID]; ok {
			info := r.slaveInfo(sd)
			ch <- &info
			return
		}
		ch <- nil
	}) {
		return TxnInfo{}, false
	}
	info := <-ch
	if info == nil {
		return TxnInfo{}, false
	}
	return *info, true
}

func (r *Rank) masterInfo(d *txnDriver) TxnInfo {
	t := d.txn
	info := TxnInfo{
		TxnID:    t.ReqID(),
		Op:       t.Op().String(),
		Client:   t.Client(),
		Path:     t.Path(),
		State:    t.State().String(),
		Retries:  t.Retries(),
		Pins:     t.PinCount(),
		AuthPins: t.AuthPinCount(),
		Grants:   t.Ledger().Len(),
	}
	if t.HasExtras() {
		x := t.Extras()
		for rank := range x.WaitingOnSlave {
			info.Waiting = append(info.Waiting, rank)
		}
		for rank := range x.Witnessed {
			info.Witnessed = append(info.Witnessed, rank)
		}
		sort.Slice(info.Waiting, func(i, j int) bool { return info.Waiting[i] < info.Waiting[j] })
		sort.Slice(info.Witnessed, func(i, j int) bool { return info.Witnessed[i] < info.Witnessed[j] })
		info.Export = x.IsObjectExporter
		info.Ambiguous = x.IsAmbiguousAuth
	}
	return info
}

func (r *Rank) slaveInfo(sd *slaveTxn) TxnInfo {
	info := TxnInfo{
		TxnID:  sd.txnID,
		Op:     sd.op.Kind.String(),
		Client: sd.op.Client,
		Path:   sd.op.Path,
		State:  "recovered",
		Slave:  true,
		Master: sd.masterRank,
	}
	if sd.txn != nil {
		info.State = sd.txn.State().String()
		info.Retries = sd.txn.Retries()
		info.Pins = sd.txn.PinCount()
		info.AuthPins = sd.txn.AuthPinCount()
		info.Grants = sd.txn.Ledger().Len()
		if sd.txn.HasExtras() {
			info.Ambiguous = sd.txn.Extras().IsAmbiguousAuth
		}
	}
	return info
}

// InspectSessions lists the client sessions imported with migrated
// subtrees, sorted by client. Safe from any goroutine.
func (r *Rank) InspectSessions() []string {
	ch := make(chan []string, 1)
	if !r.ex.Submit(func() {
		out := make([]string, 0, len(r.sessions))
		for client := range r.sessions {
			out = append(out, client)
		}
		sort.Strings(out)
		ch <- out
	}) {
		return nil
	}
	return <-ch
}

// installSessions adopts client sessions handed over with a migrating
// subtree. Runs on the executor.
func (r *Rank) installSessions(sessions map[string][]byte) {
	for client, blob := range sessions {
		r.sessions[client] = blob
	}
	if len(sessions) > 0 {
		log.Info().Int("sessions", len(sessions)).Msg("Imported client sessions")
	}
}

// TxnStats implements telemetry.StatsProvider.
func (r *Rank) TxnStats() (active, pins, authPins int) {
	ch := make(chan [3]int, 1)
	if !r.ex.Submit(func() {
		var a, p, ap int
		for _, d := range r.txns {
			a++
			p += d.txn.PinCount()
			ap += d.txn.AuthPinCount()
		}
		for _, sd := range r.slaves {
			if sd.txn == nil {
				continue
			}
			a++
			p += sd.txn.PinCount()
			ap += sd.txn.AuthPinCount()
		}
		ch <- [3]int{a, p, ap}
	}) {
		return 0, 0, 0
	}
	v := <-ch
	return v[0], v[1], v[2]
}

// LockCacheStats implements telemetry.StatsProvider.
func (r *Rank) LockCacheStats() (caches, filterEntries int) {
	return r.caches.stats()
}

// SlaveUpdateStats implements telemetry.StatsProvider.
func (r *Rank) SlaveUpdateStats() (records int) {
	return r.slaveLog.Len()
}

// lastDitch runs the teardown leak check on a finished mutation.
func (r *Rank) lastDitch(t *mutation.RequestTxn) {
	err := t.LastDitch()
	if err == nil {
		return
	}
	if cfg.Config.DebugChecks {
		log.Fatal().Err(err).Uint64("txn_id", t.ReqID()).Msg("Transaction leaked resources")
	}
	log.Error().Err(err).Uint64("txn_id", t.ReqID()).Msg("Transaction leaked resources")
}

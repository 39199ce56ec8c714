package mutation

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/settfs/sett/common"
	"github.com/settfs/sett/mdtree"
)

// SlaveUpdateRecord tracks one prepared participant update awaiting the
// master's decision. It pins the rollback payload and the objects it covers
// so an abort, or a master death, can rewind them.
type SlaveUpdateRecord struct {
	TxnID      uint64
	MasterRank uint64
	Op         common.OpKind
	Rollback   []byte
	Objects    []mdtree.ObjectID

	waiters []func(committed bool)
}

// AddWaiter defers fn until the master's decision arrives.
func (r *SlaveUpdateRecord) AddWaiter(fn func(committed bool)) {
	r.waiters = append(r.waiters, fn)
}

func (r *SlaveUpdateRecord) resolve(committed bool) {
	fire := r.waiters
	r.waiters = nil
	for _, fn := range fire {
		fn(committed)
	}
}

// SlaveUpdateLog indexes the prepared updates this rank holds as a
// participant, by transaction and by master rank. The by-master index is
// what the death sweep walks when a master rank drops out of the cluster.
type SlaveUpdateLog struct {
	byTxn    *xsync.MapOf[uint64, *SlaveUpdateRecord]
	byMaster *xsync.MapOf[uint64, *xsync.MapOf[uint64, *SlaveUpdateRecord]]
}

func NewSlaveUpdateLog() *SlaveUpdateLog {
	return &SlaveUpdateLog{
		byTxn:    xsync.NewMapOf[uint64, *SlaveUpdateRecord](),
		byMaster: xsync.NewMapOf[uint64, *xsync.MapOf[uint64, *SlaveUpdateRecord]](),
	}
}

// Register records a prepared update. Re-registering the same transaction,
// as happens when a master re-sends a prepare, replaces the record.
func (l *SlaveUpdateLog) Register(rec *SlaveUpdateRecord) {
	l.byTxn.Store(rec.TxnID, rec)
	perMaster, _ := l.byMaster.LoadOrCompute(rec.MasterRank,
		func() *xsync.MapOf[uint64, *SlaveUpdateRecord] {
			return xsync.NewMapOf[uint64, *SlaveUpdateRecord]()
		})
	perMaster.Store(rec.TxnID, rec)
}

// Lookup returns the record for txnID, nil when unknown.
func (l *SlaveUpdateLog) Lookup(txnID uint64) *SlaveUpdateRecord {
	rec, _ := l.byTxn.Load(txnID)
	return rec
}

// Destroy removes the record and fires its decision waiters. Returns nil
// when the transaction is unknown, which makes redelivered decisions safe.
func (l *SlaveUpdateLog) Destroy(txnID uint64, committed bool) *SlaveUpdateRecord {
	rec, ok := l.byTxn.LoadAndDelete(txnID)
	if !ok {
		return nil
	}
	if perMaster, found := l.byMaster.Load(rec.MasterRank); found {
		perMaster.Delete(txnID)
	}
	rec.resolve(committed)
	return rec
}

// ByMaster returns every prepared update whose master is rank.
func (l *SlaveUpdateLog) ByMaster(rank uint64) []*SlaveUpdateRecord {
	perMaster, ok := l.byMaster.Load(rank)
	if !ok {
		return nil
	}
	var recs []*SlaveUpdateRecord
	perMaster.Range(func(_ uint64, rec *SlaveUpdateRecord) bool {
		recs = append(recs, rec)
		return true
	})
	return recs
}

// Touching returns every outstanding record covering any of objs.
func (l *SlaveUpdateLog) Touching(objs []mdtree.ObjectID) []*SlaveUpdateRecord {
	if len(objs) == 0 {
		return nil
	}
	want := make(map[mdtree.ObjectID]struct{}, len(objs))
	for _, o := range objs {
		want[o] = struct{}{}
	}
	var recs []*SlaveUpdateRecord
	l.byTxn.Range(func(_ uint64, rec *SlaveUpdateRecord) bool {
		for _, o := range rec.Objects {
			if _, covered := want[o]; covered {
				recs = append(recs, rec)
				break
			}
		}
		return true
	})
	return recs
}

// Len returns the number of outstanding prepared updates.
func (l *SlaveUpdateLog) Len() int { return l.byTxn.Size() }

package mutation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settfs/sett/common"
	"github.com/settfs/sett/mdtree"
)

func TestSlaveUpdateLog_RegisterLookupDestroy(t *testing.T) {
	l := NewSlaveUpdateLog()
	rec := &SlaveUpdateRecord{
		TxnID:      0xA1,
		MasterRank: 2,
		Op:         common.OpRename,
		Rollback:   []byte{0x1},
		Objects:    []mdtree.ObjectID{0x10},
	}
	l.Register(rec)
	require.Equal(t, 1, l.Len())
	assert.Same(t, rec, l.Lookup(0xA1))
	assert.Nil(t, l.Lookup(0xB2))

	committed := -1
	rec.AddWaiter(func(c bool) {
		if c {
			committed = 1
		} else {
			committed = 0
		}
	})

	gone := l.Destroy(0xA1, true)
	require.Same(t, rec, gone)
	assert.Equal(t, 1, committed, "decision waiters fire with the verdict")
	assert.Equal(t, 0, l.Len())
	assert.Nil(t, l.Lookup(0xA1))

	assert.Nil(t, l.Destroy(0xA1, true), "redelivered decisions hit nothing")
}

func TestSlaveUpdateLog_ReRegisterReplaces(t *testing.T) {
	l := NewSlaveUpdateLog()
	first := &SlaveUpdateRecord{TxnID: 0xA1, MasterRank: 2, Op: common.OpLink}
	second := &SlaveUpdateRecord{TxnID: 0xA1, MasterRank: 2, Op: common.OpLink, Rollback: []byte{9}}

	l.Register(first)
	l.Register(second)
	require.Equal(t, 1, l.Len())
	assert.Same(t, second, l.Lookup(0xA1))
}

func TestSlaveUpdateLog_ByMasterIndex(t *testing.T) {
	l := NewSlaveUpdateLog()
	l.Register(&SlaveUpdateRecord{TxnID: 1, MasterRank: 2})
	l.Register(&SlaveUpdateRecord{TxnID: 2, MasterRank: 2})
	l.Register(&SlaveUpdateRecord{TxnID: 3, MasterRank: 5})

	assert.Len(t, l.ByMaster(2), 2)
	assert.Len(t, l.ByMaster(5), 1)
	assert.Empty(t, l.ByMaster(9))

	l.Destroy(1, false)
	assert.Len(t, l.ByMaster(2), 1, "destroy must maintain the by-master index")
}

func TestSlaveUpdateRecord_AbortVerdictReachesWaiters(t *testing.T) {
	l := NewSlaveUpdateLog()
	rec := &SlaveUpdateRecord{TxnID: 7, MasterRank: 3}
	l.Register(rec)

	var verdicts []bool
	rec.AddWaiter(func(c bool) { verdicts = append(verdicts, c) })
	rec.AddWaiter(func(c bool) { verdicts = append(verdicts, c) })

	l.Destroy(7, false)
	assert.Equal(t, []bool{false, false}, verdicts)
}

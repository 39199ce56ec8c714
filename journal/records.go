package journal

import (
	"fmt"

	"github.com/settfs/sett/common"
	"github.com/settfs/sett/encoding"
)

// EntryKind classifies a journal entry. Values are persisted; never reorder.
type EntryKind uint8

const (
	KindUpdate EntryKind = iota + 1 // applied operation effects
	KindCommit                      // master's commit decision
	KindAbort                       // master's abort decision
)

func (k EntryKind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindCommit:
		return "commit"
	case KindAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// EntryRecord is one entry of the rank's operation log. Seq is assigned by
// the log at append time and orders the entire log.
type EntryRecord struct {
	Seq         uint64        `msgpack:"seq"`
	TxnID       uint64        `msgpack:"txn_id"`
	Kind        EntryKind     `msgpack:"kind"`
	Op          common.OpKind `msgpack:"op"`
	Payload     []byte        `msgpack:"payload"`
	CreatedAtNs int64         `msgpack:"created_at_ns"`
}

// PrepareRecord is a participant's durable vote. It survives until the
// master's decision arrives; Payload replays the update on commit, Rollback
// rewinds it on abort or master death.
type PrepareRecord struct {
	TxnID       uint64        `msgpack:"txn_id"`
	MasterRank  uint64        `msgpack:"master_rank"`
	Op          common.OpKind `msgpack:"op"`
	Payload     []byte        `msgpack:"payload"`
	Rollback    []byte        `msgpack:"rollback"`
	CreatedAtNs int64         `msgpack:"created_at_ns"`
}

// encodeRecord marshals and, above threshold, compresses a record value.
func encodeRecord(rec interface{}, compressThreshold int) ([]byte, error) {
	raw, err := encoding.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal journal record: %w", err)
	}
	return encoding.MaybeCompress(raw, compressThreshold), nil
}

// decodeRecord reverses encodeRecord.
func decodeRecord(val []byte, rec interface{}) error {
	raw, err := encoding.Decompress(val)
	if err != nil {
		return fmt.Errorf("decompress journal record: %w", err)
	}
	return encoding.Unmarshal(raw, rec)
}

package transport

import (
	"fmt"

	"github.com/settfs/sett/common"
	"github.com/settfs/sett/encoding"
)

// PrepareMsg asks a participant rank to vote on a transaction. Payload is
// the opaque set of object updates the participant must stage; it replays
// on commit.
type PrepareMsg struct {
	TxnID      uint64        `msgpack:"txn_id"`
	Attempt    uint32        `msgpack:"attempt"`
	MasterRank uint64        `msgpack:"master_rank"`
	Op         common.OpKind `msgpack:"op"`
	Objects    []uint64      `msgpack:"objects"` // objects the participant must lock
	Payload    []byte        `msgpack:"payload"`
}

// AckMsg is the participant's reply to a prepare, lock or auth-pin request.
type AckMsg struct {
	TxnID    uint64            `msgpack:"txn_id"`
	OK       bool              `msgpack:"ok"`
	Error    string            `msgpack:"error,omitempty"`
	Retry    bool              `msgpack:"retry,omitempty"`    // refusal is transient, caller may retry
	Versions map[uint64]uint64 `msgpack:"versions,omitempty"` // object versions the voter staged against
}

// DecideMsg carries the master's commit-or-abort decision to a witness.
// Published, not requested: per-publisher subject ordering already puts it
// after the prepare it resolves.
type DecideMsg struct {
	TxnID      uint64 `msgpack:"txn_id"`
	MasterRank uint64 `msgpack:"master_rank"`
	Commit     bool   `msgpack:"commit"`
}

// LockMsg requests or releases a write lock on a remotely-owned object.
type LockMsg struct {
	TxnID    uint64 `msgpack:"txn_id"`
	FromRank uint64 `msgpack:"from_rank"`
	Object   uint64 `msgpack:"object"`
	LockType uint8  `msgpack:"lock_type"`
	Release  bool   `msgpack:"release,omitempty"`
}

// AuthPinMsg requests or releases an auth-pin on a remotely-owned object.
// Freeze variants admit no new pins while held.
type AuthPinMsg struct {
	TxnID    uint64 `msgpack:"txn_id"`
	FromRank uint64 `msgpack:"from_rank"`
	Object   uint64 `msgpack:"object"`
	Freeze   bool   `msgpack:"freeze,omitempty"`
	Release  bool   `msgpack:"release,omitempty"`
}

// HeartbeatMsg announces rank liveness on the cluster heartbeat subject.
type HeartbeatMsg struct {
	RankID   uint64 `msgpack:"rank_id"`
	Cluster  string `msgpack:"cluster"`
	SentAtNs int64  `msgpack:"sent_at_ns"`
}

// encodeMsg marshals and, above threshold, compresses a wire message.
func encodeMsg(v interface{}, threshold int) ([]byte, error) {
	raw, err := encoding.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return encoding.MaybeCompress(raw, threshold), nil
}

// decodeMsg reverses encodeMsg.
func decodeMsg(data []byte, v interface{}) error {
	raw, err := encoding.Decompress(data)
	if err != nil {
		return fmt.Errorf("failed to decompress message: %w", err)
	}
	return encoding.Unmarshal(raw, v)
}

// Package journal persists a rank's operation log and two-phase prepare
// records in a pebble store. Writes ride a group-commit batcher so one
// fsync covers many entries; durability surfaces as a sequence watermark
// that callers can wait on.
package journal

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/settfs/sett/cfg"
	"github.com/settfs/sett/telemetry"
)

// Key prefixes, sorted for efficient iteration
const (
	prefixEntry   = "/entry/"   // /entry/{seq:016x}
	prefixPrepare = "/prepare/" // /prepare/{txnID:016x}
	prefixMeta    = "/meta/"    // /meta/{name}
)

const seqMetaKey = prefixMeta + "seq"

// How often the orphaned-prepare report runs
const sweepInterval = 10 * time.Minute

func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixEntry, seq))
}

func prepareKey(txnID uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixPrepare, txnID))
}

// prefixUpperBound returns prefix + 0xFF... for range iteration
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix)+8)
	copy(upper, prefix)
	for i := len(prefix); i < len(upper); i++ {
		upper[i] = 0xFF
	}
	return upper
}

// Options configures the journal store.
type Options struct {
	BatchSize         int           // Max entries per group-commit batch
	BatchInterval     time.Duration // Max wait before flushing a partial batch
	CompressThreshold int           // Value bytes above which zstd kicks in
	SyncWrites        bool          // fsync each batch (off only for tests)
	WaitQueueLimit    int           // Max durability waiters, 0 for unlimited
	PrepareReportAge  time.Duration // Prepares older than this are reported as orphaned
}

// DefaultOptions returns journal options from cfg.Config.Journal.
// All defaults are defined in cfg/config.go (single source of truth).
func DefaultOptions() Options {
	jc := cfg.Config.Journal
	return Options{
		BatchSize:         jc.BatchSize,
		BatchInterval:     time.Duration(jc.BatchIntervalMS) * time.Millisecond,
		CompressThreshold: jc.CompressThreshold,
		SyncWrites:        jc.SyncWrites,
		WaitQueueLimit:    jc.WaitQueueSizeLimit,
		PrepareReportAge:  time.Duration(jc.PrepareGCHours) * time.Hour,
	}
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Log is a rank's durable journal. Entries record applied operations and
// commit/abort decisions; prepare records hold a participant's vote until
// the master resolves the transaction.
type Log struct {
	db   *pebble.DB
	path string

	batch *batcher
	seq   *seqAllocator
	waitq *WaitQueue

	compressThreshold int
	prepareReportAge  time.Duration

	durable  atomic.Uint64 // highest seq known persisted
	prepares atomic.Int64  // live prepare records

	stopSweep chan struct{}
	sweepWg   sync.WaitGroup
	closed    atomic.Bool
}

// Open opens (or creates) the journal store at path.
func Open(path string, opts Options) (*Log, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Logger: &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal store: %w", err)
	}

	seq, err := newSeqAllocator(db, []byte(seqMetaKey))
	if err != nil {
		db.Close()
		return nil, err
	}

	l := &Log{
		db:                db,
		path:              path,
		seq:               seq,
		waitq:             NewWaitQueue(opts.WaitQueueLimit),
		compressThreshold: opts.CompressThreshold,
		prepareReportAge:  opts.PrepareReportAge,
		stopSweep:         make(chan struct{}),
	}

	last, err := l.lastEntrySeq()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to scan journal tail: %w", err)
	}
	l.durable.Store(last)
	l.waitq.NotifyUpTo(last)

	count, err := l.countPrepares()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to count prepare records: %w", err)
	}
	l.prepares.Store(int64(count))
	telemetry.JournalPreparesActive.Set(float64(count))

	l.batch = newBatcher(db, opts.BatchSize, opts.BatchInterval, opts.SyncWrites, func(seq uint64) {
		l.durable.Store(seq)
		l.waitq.NotifyUpTo(seq)
	})

	if l.prepareReportAge > 0 {
		l.sweepWg.Add(1)
		go l.sweepLoop()
	}

	log.Info().
		Str("path", path).
		Uint64("last_seq", last).
		Int("prepares", count).
		Bool("sync_writes", opts.SyncWrites).
		Msg("Journal opened")

	return l, nil
}

// Append assigns the next sequence number to rec and queues it for the next
// group commit. The returned future resolves once the batch holding rec is
// durable.
func (l *Log) Append(rec EntryRecord) (uint64, *future.Future[error], error) {
	seq, err := l.seq.Next()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to allocate journal seq: %w", err)
	}
	rec.Seq = seq
	if rec.CreatedAtNs == 0 {
		rec.CreatedAtNs = time.Now().UnixNano()
	}

	val, err := encodeRecord(&rec, l.compressThreshold)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode journal entry %d: %w", seq, err)
	}

	key := entryKey(seq)
	fut := l.batch.enqueue(seq, func(b *pebble.Batch) error {
		return b.Set(key, val, nil)
	})
	return seq, fut, nil
}

// Durable returns the highest sequence number known persisted.
func (l *Log) Durable() uint64 {
	return l.durable.Load()
}

// WaitDurable blocks until every entry up to seq is persisted or ctx is
// cancelled.
func (l *Log) WaitDurable(ctx context.Context, seq uint64) error {
	if l.durable.Load() >= seq {
		return nil
	}
	return l.waitq.Wait(ctx, seq)
}

// ReadEntry fetches one journal entry by sequence number.
func (l *Log) ReadEntry(seq uint64) (*EntryRecord, error) {
	val, err := l.getValueCopy(entryKey(seq))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, fmt.Errorf("journal entry %d not found", seq)
		}
		return nil, err
	}
	var rec EntryRecord
	if err := decodeRecord(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode journal entry %d: %w", seq, err)
	}
	return &rec, nil
}

// TailEntries returns up to limit entries with Seq >= fromSeq, in order.
func (l *Log) TailEntries(fromSeq uint64, limit int) ([]EntryRecord, error) {
	prefix := []byte(prefixEntry)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(fromSeq),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []EntryRecord
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var rec EntryRecord
		if err := decodeRecord(val, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode journal entry at %q: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// PutPrepare persists a participant's vote. The returned future resolves
// once the record is durable; only then may the participant ack the master.
func (l *Log) PutPrepare(rec PrepareRecord) (*future.Future[error], error) {
	if rec.CreatedAtNs == 0 {
		rec.CreatedAtNs = time.Now().UnixNano()
	}
	val, err := encodeRecord(&rec, l.compressThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to encode prepare %#x: %w", rec.TxnID, err)
	}

	key := prepareKey(rec.TxnID)
	fut := l.batch.enqueue(0, func(b *pebble.Batch) error {
		return b.Set(key, val, nil)
	})
	telemetry.JournalPreparesActive.Set(float64(l.prepares.Add(1)))
	return fut, nil
}

// DeletePrepare removes a resolved vote. Deleting an absent record is not
// an error so decision redelivery stays idempotent.
func (l *Log) DeletePrepare(txnID uint64) *future.Future[error] {
	key := prepareKey(txnID)
	fut := l.batch.enqueue(0, func(b *pebble.Batch) error {
		return b.Delete(key, nil)
	})
	if n := l.prepares.Add(-1); n >= 0 {
		telemetry.JournalPreparesActive.Set(float64(n))
	} else {
		l.prepares.Store(0)
		telemetry.JournalPreparesActive.Set(0)
	}
	return fut
}

// GetPrepare fetches one prepare record, nil when absent.
func (l *Log) GetPrepare(txnID uint64) (*PrepareRecord, error) {
	val, err := l.getValueCopy(prepareKey(txnID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var rec PrepareRecord
	if err := decodeRecord(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode prepare %#x: %w", txnID, err)
	}
	return &rec, nil
}

// ListPrepares returns every unresolved vote, ordered by transaction id.
// Recovery replays these into the slave update log on startup.
func (l *Log) ListPrepares() ([]PrepareRecord, error) {
	prefix := []byte(prefixPrepare)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []PrepareRecord
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var rec PrepareRecord
		if err := decodeRecord(val, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode prepare at %q: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxnID < out[j].TxnID })
	return out, nil
}

// TrimBefore deletes entries with Seq < seq. Callers trim only below the
// cluster-wide applied watermark.
func (l *Log) TrimBefore(seq uint64) error {
	start := []byte(prefixEntry)
	if err := l.db.DeleteRange(start, entryKey(seq), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to trim journal below %d: %w", seq, err)
	}
	return nil
}

// Close flushes pending writes and releases the store. Safe to call twice.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	if l.prepareReportAge > 0 {
		close(l.stopSweep)
		l.sweepWg.Wait()
	}
	l.batch.close()

	if err := l.seq.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to persist journal sequence on close")
	}
	return l.db.Close()
}

func (l *Log) getValueCopy(key []byte) ([]byte, error) {
	val, closer, err := l.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// lastEntrySeq finds the highest persisted entry seq, 0 when the log is
// empty.
func (l *Log) lastEntrySeq() (uint64, error) {
	prefix := []byte(prefixEntry)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, nil
	}
	key := iter.Key()
	seq, err := strconv.ParseUint(string(key[len(prefix):]), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed entry key %q: %w", key, err)
	}
	return seq, nil
}

func (l *Log) countPrepares() (int, error) {
	prefix := []byte(prefixPrepare)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	return count, nil
}

func (l *Log) sweepLoop() {
	defer l.sweepWg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.reportOrphanedPrepares()
		case <-l.stopSweep:
			return
		}
	}
}

// reportOrphanedPrepares logs votes whose master never resolved them. They
// are never deleted here: resolution belongs to the master-death rollback
// path, and dropping the record would break decision redelivery.
func (l *Log) reportOrphanedPrepares() {
	recs, err := l.ListPrepares()
	if err != nil {
		log.Error().Err(err).Msg("Failed to scan prepare records")
		return
	}

	cutoff := time.Now().Add(-l.prepareReportAge).UnixNano()
	for _, rec := range recs {
		if rec.CreatedAtNs >= cutoff {
			continue
		}
		log.Warn().
			Uint64("txn_id", rec.TxnID).
			Uint64("master_rank", rec.MasterRank).
			Str("op", rec.Op.String()).
			Time("created_at", time.Unix(0, rec.CreatedAtNs)).
			Msg("Prepare record outlived its resolution window")
	}
}

package journal

import (
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/jizhuozhi/go-future"

	"github.com/settfs/sett/telemetry"
)

const writeChannelSize = 1024

// writeOp is one mutation riding the next group commit.
type writeOp struct {
	apply   func(b *pebble.Batch) error
	seq     uint64 // durability watermark this op advances, 0 for none
	promise *future.Promise[error]
	failed  bool
}

// batcher aggregates writes into single pebble commits: one fsync covers
// the whole batch. A full batch or the batch interval flushes, whichever
// comes first.
type batcher struct {
	db      *pebble.DB
	ops     chan *writeOp
	stop    chan struct{}
	wg      sync.WaitGroup
	maxSize int
	maxWait time.Duration
	sync    bool
	notify  func(seq uint64)
}

func newBatcher(db *pebble.DB, maxSize int, maxWait time.Duration, sync bool, notify func(uint64)) *batcher {
	b := &batcher{
		db:      db,
		ops:     make(chan *writeOp, writeChannelSize),
		stop:    make(chan struct{}),
		maxSize: maxSize,
		maxWait: maxWait,
		sync:    sync,
		notify:  notify,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// enqueue submits a write and returns its completion future.
func (b *batcher) enqueue(seq uint64, apply func(*pebble.Batch) error) *future.Future[error] {
	p := future.NewPromise[error]()
	b.ops <- &writeOp{apply: apply, seq: seq, promise: p}
	return p.Future()
}

func (b *batcher) run() {
	defer b.wg.Done()

	pending := make([]*writeOp, 0, b.maxSize)
	timer := time.NewTimer(b.maxWait)
	timer.Stop()
	timerRunning := false

	flush := func() {
		if len(pending) == 0 {
			return
		}
		start := time.Now()

		batch := b.db.NewBatch()
		for _, op := range pending {
			if err := op.apply(batch); err != nil {
				op.failed = true
				op.promise.Set(nil, err)
			}
		}

		syncOpt := pebble.NoSync
		if b.sync {
			syncOpt = pebble.Sync
		}
		commitErr := batch.Commit(syncOpt)
		_ = batch.Close()

		var watermark uint64
		for _, op := range pending {
			if op.failed {
				continue
			}
			op.promise.Set(nil, commitErr)
			if commitErr == nil && op.seq > watermark {
				watermark = op.seq
			}
		}
		if watermark > 0 && b.notify != nil {
			b.notify(watermark)
		}

		telemetry.JournalAppendsTotal.Add(float64(len(pending)))
		telemetry.JournalBatchSize.Observe(float64(len(pending)))
		telemetry.JournalFlushSeconds.Observe(time.Since(start).Seconds())

		pending = pending[:0]
		if timerRunning {
			timer.Stop()
			timerRunning = false
		}
	}

	for {
		select {
		case op := <-b.ops:
			pending = append(pending, op)
			if len(pending) >= b.maxSize {
				flush()
			} else if !timerRunning {
				timer.Reset(b.maxWait)
				timerRunning = true
			}

		case <-timer.C:
			timerRunning = false
			flush()

		case <-b.stop:
			for {
				select {
				case op := <-b.ops:
					pending = append(pending, op)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (b *batcher) close() {
	close(b.stop)
	b.wg.Wait()
}

package journal

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrWaitQueueFull applies backpressure when too many callers are parked on
// durability.
var ErrWaitQueueFull = errors.New("journal: durability wait queue full")

type seqWaiter struct {
	seq uint64
	ch  chan struct{}
}

// WaitQueue parks callers until the log's durable watermark passes their
// sequence number. Waiters are kept sorted so notification touches only the
// satisfied prefix.
type WaitQueue struct {
	mu      sync.Mutex
	limit   int
	floor   uint64      // highest watermark seen, satisfied waits return immediately
	waiters []seqWaiter // sorted by seq ascending
}

// NewWaitQueue creates a queue admitting at most limit waiters; limit <= 0
// means unlimited.
func NewWaitQueue(limit int) *WaitQueue {
	return &WaitQueue{limit: limit}
}

// Wait blocks until the watermark reaches seq or ctx is cancelled.
func (q *WaitQueue) Wait(ctx context.Context, seq uint64) error {
	ch := make(chan struct{})

	q.mu.Lock()
	if seq <= q.floor {
		q.mu.Unlock()
		return nil
	}
	if q.limit > 0 && len(q.waiters) >= q.limit {
		q.mu.Unlock()
		return ErrWaitQueueFull
	}
	i := sort.Search(len(q.waiters), func(i int) bool {
		return q.waiters[i].seq >= seq
	})
	q.waiters = append(q.waiters, seqWaiter{})
	copy(q.waiters[i+1:], q.waiters[i:])
	q.waiters[i] = seqWaiter{seq: seq, ch: ch}
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		for j, w := range q.waiters {
			if w.ch == ch {
				q.waiters = append(q.waiters[:j], q.waiters[j+1:]...)
				break
			}
		}
		q.mu.Unlock()
		return ctx.Err()
	}
}

// NotifyUpTo wakes every waiter with seq <= the durable watermark.
func (q *WaitQueue) NotifyUpTo(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if seq > q.floor {
		q.floor = seq
	}
	if len(q.waiters) == 0 {
		return
	}

	i := sort.Search(len(q.waiters), func(i int) bool {
		return q.waiters[i].seq > seq
	})
	for j := 0; j < i; j++ {
		close(q.waiters[j].ch)
	}
	q.waiters = q.waiters[i:]
}

// Len returns the number of parked waiters.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

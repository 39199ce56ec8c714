package events

import (
	"sync"
	"sync/atomic"

	"github.com/settfs/sett/telemetry"
)

// defaultBufferSize is the buffer handed to each subscriber channel.
// Sized for typical commit bursts; subscribers that can't keep up have
// events dropped (non-blocking send).
const defaultBufferSize = 64

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	ch     chan TxnEvent
	closed atomic.Bool
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is the in-process fan-out point for commit events. Publish never
// blocks the caller; it runs on the rank executor.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[uint64]*subscription),
	}
}

// Publish delivers the event to every subscriber (non-blocking).
func (h *Hub) Publish(ev TxnEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			// Buffer full, skip this subscriber.
			telemetry.EventsDroppedTotal.Inc()
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The channel is buffered; if the subscriber cannot keep
// up with the commit rate, events are dropped silently by Publish(). The
// cancel function is idempotent and closes the channel.
func (h *Hub) Subscribe() (<-chan TxnEvent, func()) {
	return h.SubscribeBuffered(defaultBufferSize)
}

// SubscribeBuffered is Subscribe with a caller-chosen channel buffer.
func (h *Hub) SubscribeBuffered(buffer int) (<-chan TxnEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{
		id: h.nextID.Add(1),
		ch: make(chan TxnEvent, buffer),
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

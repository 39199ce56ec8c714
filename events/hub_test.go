package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(TxnEvent{TxnID: 1, Op: "mkdir", Path: "/a"})
	hub.Publish(TxnEvent{TxnID: 2, Op: "rename", Path: "/a", Path2: "/b"})

	ev := <-ch
	assert.Equal(t, uint64(1), ev.TxnID)
	assert.Equal(t, "mkdir", ev.Op)

	ev = <-ch
	assert.Equal(t, uint64(2), ev.TxnID)
	assert.Equal(t, "/b", ev.Path2)
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub()

	ch1, cancel1 := hub.Subscribe()
	defer cancel1()
	ch2, cancel2 := hub.Subscribe()
	defer cancel2()

	require.Equal(t, 2, hub.Count())

	hub.Publish(TxnEvent{TxnID: 7, Path: "/x"})

	assert.Equal(t, uint64(7), (<-ch1).TxnID)
	assert.Equal(t, uint64(7), (<-ch2).TxnID)
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.SubscribeBuffered(2)
	defer cancel()

	// Third publish finds the buffer full and is dropped, not blocked on.
	hub.Publish(TxnEvent{TxnID: 1})
	hub.Publish(TxnEvent{TxnID: 2})
	hub.Publish(TxnEvent{TxnID: 3})

	assert.Equal(t, uint64(1), (<-ch).TxnID)
	assert.Equal(t, uint64(2), (<-ch).TxnID)
	select {
	case ev := <-ch:
		t.Fatalf("expected drop, got txn %d", ev.TxnID)
	default:
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.Subscribe()
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Count())

	// Publishing to an empty hub is a no-op.
	hub.Publish(TxnEvent{TxnID: 9})
}

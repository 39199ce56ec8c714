// Package hlc mints the 64-bit request ids that name transactions across
// the rank cluster. An id orders by mint time: wall-clock milliseconds in
// the high bits, a per-millisecond counter in the low bits, with a sliver
// of the minting rank in between to split ranks whose clocks agree.
package hlc

import (
	"sync"
	"time"
)

// Request id layout, high to low:
//
//	42 bits  wall-clock milliseconds since the Unix epoch
//	 6 bits  minting rank, truncated
//	16 bits  per-millisecond counter
//
// The rank sliver only keeps ids minted in the same millisecond distinct.
// It is far too narrow to recover the minting rank from, so nothing may
// key engine state on it; state owed to a rank carries the full rank id.
const (
	logicalBits = 16
	rankBits    = 6
	millisShift = logicalBits + rankBits

	logicalMask = (1 << logicalBits) - 1
	rankMask    = (1 << rankBits) - 1
)

// Clock mints request ids for one rank. Ids from a single Clock are
// strictly increasing even when the wall clock steps backwards.
type Clock struct {
	mu      sync.Mutex
	rankID  uint64
	lastMS  int64
	counter uint64
}

func NewClock(rankID uint64) *Clock {
	return &Clock{rankID: rankID, lastMS: time.Now().UnixMilli()}
}

// NextReqID mints a fresh request id. A millisecond admits 65535 ids;
// past that the call sleeps into the next one rather than reuse an id.
func (c *Clock) NextReqID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now := time.Now().UnixMilli(); now > c.lastMS {
		c.lastMS = now
		c.counter = 0
	}
	for c.counter >= logicalMask {
		time.Sleep(100 * time.Microsecond)
		if now := time.Now().UnixMilli(); now > c.lastMS {
			c.lastMS = now
			c.counter = 0
		}
	}
	c.counter++
	return uint64(c.lastMS)<<millisShift | (c.rankID&rankMask)<<logicalBits | c.counter
}

// ReqIDMillis recovers the wall-clock millisecond a request id was minted at.
func ReqIDMillis(reqID uint64) int64 {
	return int64(reqID >> millisShift)
}

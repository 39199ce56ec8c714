package journal

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// seqBandwidth is how many sequence numbers one persisted lease covers.
// Larger leases mean fewer metadata writes and bigger gaps after a crash.
const seqBandwidth = 1000

// seqAllocator hands out monotonic journal sequence numbers. It leases
// ranges from the store so the hot path never touches disk; the lease end
// is persisted, so numbers never repeat across restarts.
type seqAllocator struct {
	db  *pebble.DB
	key []byte

	mu       sync.Mutex
	nextVal  uint64
	leaseEnd uint64
}

func newSeqAllocator(db *pebble.DB, key []byte) (*seqAllocator, error) {
	var leaseEnd uint64

	val, closer, err := db.Get(key)
	if err == nil {
		if len(val) >= 8 {
			leaseEnd = binary.BigEndian.Uint64(val)
		}
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return nil, fmt.Errorf("read sequence lease: %w", err)
	}

	return &seqAllocator{
		db:  db,
		key: key,
		// Resume past the lease so crashed allocations never repeat.
		nextVal:  leaseEnd,
		leaseEnd: leaseEnd,
	}, nil
}

// Next returns the next sequence number, extending the lease when the
// current one is spent.
func (s *seqAllocator) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextVal >= s.leaseEnd {
		newLease := s.leaseEnd + seqBandwidth
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, newLease)
		if err := s.db.Set(s.key, buf, pebble.NoSync); err != nil {
			return 0, fmt.Errorf("persist sequence lease: %w", err)
		}
		s.leaseEnd = newLease
	}

	s.nextVal++
	return s.nextVal, nil
}

// Close persists the unused lease remainder to minimize restart gaps.
func (s *seqAllocator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, s.nextVal)
	return s.db.Set(s.key, buf, pebble.NoSync)
}

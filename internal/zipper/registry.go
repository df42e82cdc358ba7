// Package zipper correlates the events that individual builders publish
// into one merged record per event number.
//
// A Correlator is owned by a single goroutine. Register folds device
// notifications into a fixed hash table; completed event numbers go onto a
// bounded FIFO that Drain empties into the merged file, the parquet index
// and the broker.
package zipper

import (
	"math/bits"

	"github.com/xtxerr/fnetdaq/config"
)

// slot is one registry entry. Payloads are indexed by device id.
type slot struct {
	id       uint32
	mask     uint64
	ready    bool
	clockMin uint64
	clockMax uint64
	payloads [config.MaxDevices][]byte
}

func (s *slot) empty() bool {
	return s.mask == 0
}

func (s *slot) add(n Notification) {
	if s.mask == 0 || n.Clock < s.clockMin {
		s.clockMin = n.Clock
	}
	if s.mask == 0 || n.Clock > s.clockMax {
		s.clockMax = n.Clock
	}
	s.mask |= 1 << n.Device
	s.payloads[n.Device] = n.Payload
}

func (s *slot) reset(id uint32) {
	for m := s.mask; m != 0; m &= m - 1 {
		s.payloads[bits.TrailingZeros64(m)] = nil
	}
	s.id = id
	s.mask = 0
	s.ready = false
	s.clockMin, s.clockMax = 0, 0
}

func (s *slot) skew() uint64 {
	return s.clockMax - s.clockMin
}

// Registry is the fixed table of in-flight events. Event numbers that are
// a multiple of the table size apart share a slot.
type Registry struct {
	slots []slot
}

// NewRegistry creates a registry with size slots.
func NewRegistry(size int) *Registry {
	return &Registry{slots: make([]slot, size)}
}

// Size returns the number of slots.
func (r *Registry) Size() int {
	return len(r.slots)
}

func (r *Registry) slot(id uint32) *slot {
	return &r.slots[int(id%uint32(len(r.slots)))]
}

// Partial returns the number of occupied slots that are not yet complete.
func (r *Registry) Partial() int {
	n := 0
	for i := range r.slots {
		if !r.slots[i].empty() && !r.slots[i].ready {
			n++
		}
	}
	return n
}

// ReadyQueue is a bounded FIFO of completed event numbers.
type ReadyQueue struct {
	ids  []uint32
	head int
	n    int
}

// NewReadyQueue creates a queue holding at most capacity ids.
func NewReadyQueue(capacity int) *ReadyQueue {
	return &ReadyQueue{ids: make([]uint32, capacity)}
}

// Push appends id. It reports false when the queue is full.
func (q *ReadyQueue) Push(id uint32) bool {
	if q.n == len(q.ids) {
		return false
	}
	q.ids[(q.head+q.n)%len(q.ids)] = id
	q.n++
	return true
}

// Pop removes the oldest id.
func (q *ReadyQueue) Pop() (uint32, bool) {
	if q.n == 0 {
		return 0, false
	}
	id := q.ids[q.head]
	q.head = (q.head + 1) % len(q.ids)
	q.n--
	return id, true
}

func (q *ReadyQueue) Len() int { return q.n }
func (q *ReadyQueue) Cap() int { return len(q.ids) }

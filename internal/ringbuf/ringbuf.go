// Package ringbuf implements the byte ring that sits between the front-end
// socket and the protocol decoder.
//
// The ring carries three cursors:
//
//	event  first byte of the oldest event not yet dispatched (committed read)
//	scan   next byte the decoder will look at (tentative read)
//	write  next byte the socket will fill
//
// Bytes between event and write are protected from being overwritten. The
// decoder advances scan as it parses, and the builder commits the event
// cursor only after an event has been dispatched, so the raw wire span of an
// event in flight stays valid until then.
//
// A Buffer is not safe for concurrent use; the builder loop owns it.
package ringbuf

import (
	"sync/atomic"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

// Buffer is a fixed-capacity byte ring with write, scan and event cursors.
type Buffer struct {
	data []byte
	size int

	write int
	scan  int
	event int

	// pending counts bytes from event to write, unread bytes from scan to
	// write. Keeping the counts explicit means a full ring and an empty ring
	// never look alike.
	pending int
	unread  int

	// Statistics
	bytesIn   atomic.Int64
	overruns  atomic.Int64
	compacts  atomic.Int64
	committed atomic.Int64
}

// New creates a Buffer of the given capacity in bytes.
func New(capacity int) *Buffer {
	if capacity < 8 {
		capacity = 8
	}
	return &Buffer{
		data: make([]byte, capacity),
		size: capacity,
	}
}

// Cap returns the capacity in bytes.
func (b *Buffer) Cap() int {
	return b.size
}

// SpaceAvailable returns the bytes that may be written without touching
// data between the event cursor and the write cursor.
func (b *Buffer) SpaceAvailable() int {
	return b.size - b.pending
}

// ContiguousSpaceAvailable returns the largest write that fits without
// wrapping.
func (b *Buffer) ContiguousSpaceAvailable() int {
	return min(b.size-b.write, b.SpaceAvailable())
}

// Readable returns the bytes between the scan cursor and the write cursor.
func (b *Buffer) Readable() int {
	return b.unread
}

// ContiguousReadable returns the readable bytes up to the physical end of
// the ring.
func (b *Buffer) ContiguousReadable() int {
	return min(b.size-b.scan, b.unread)
}

// Pending returns the bytes between the event cursor and the write cursor.
func (b *Buffer) Pending() int {
	return b.pending
}

// Scanned returns the bytes between the event cursor and the scan cursor,
// i.e. what the decoder has consumed but not yet committed.
func (b *Buffer) Scanned() int {
	return b.pending - b.unread
}

// Usage returns the fraction of the ring holding pending bytes.
func (b *Buffer) Usage() float64 {
	return float64(b.pending) / float64(b.size)
}

// WriteSlice returns the contiguous writable window at the write cursor.
// A socket read fills it and reports the count through RegisterWrite.
func (b *Buffer) WriteSlice() []byte {
	return b.data[b.write : b.write+b.ContiguousSpaceAvailable()]
}

// ReadSlice returns the contiguous readable window at the scan cursor
// without advancing it.
func (b *Buffer) ReadSlice() []byte {
	return b.data[b.scan : b.scan+b.ContiguousReadable()]
}

// RegisterWrite advances the write cursor by n bytes. Writing more than
// SpaceAvailable would overwrite protected data and returns ErrOverrun;
// the cursors are left untouched.
func (b *Buffer) RegisterWrite(n int) error {
	if n < 0 || n > b.SpaceAvailable() {
		b.overruns.Add(1)
		return errors.Wrapf(errors.ErrOverrun, "write %d bytes with %d free", n, b.SpaceAvailable())
	}
	b.write = (b.write + n) % b.size
	b.pending += n
	b.unread += n
	b.bytesIn.Add(int64(n))
	return nil
}

// Write copies p into the ring, wrapping as needed. It is RegisterWrite for
// callers that already hold the bytes.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.SpaceAvailable() {
		b.overruns.Add(1)
		return 0, errors.Wrapf(errors.ErrOverrun, "write %d bytes with %d free", len(p), b.SpaceAvailable())
	}
	n := copy(b.data[b.write:], p)
	copy(b.data, p[n:])
	if err := b.RegisterWrite(len(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// RegisterRead advances the scan cursor by n bytes.
func (b *Buffer) RegisterRead(n int) error {
	if n < 0 || n > b.unread {
		return errors.Wrapf(errors.ErrInsufficientData, "read %d bytes with %d readable", n, b.unread)
	}
	b.scan = (b.scan + n) % b.size
	b.unread -= n
	return nil
}

// Pop32 reads a big-endian 32-bit word at the scan cursor and advances it.
// A word that straddles the wrap is assembled byte by byte.
func (b *Buffer) Pop32() (uint32, error) {
	if b.unread < 4 {
		return 0, errors.ErrInsufficientData
	}
	var w uint32
	if b.scan+4 <= b.size {
		p := b.data[b.scan : b.scan+4]
		w = uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
	} else {
		for i := 0; i < 4; i++ {
			w = w<<8 | uint32(b.data[(b.scan+i)%b.size])
		}
	}
	b.scan = (b.scan + 4) % b.size
	b.unread -= 4
	return w, nil
}

// CommitEventCursor moves the event cursor to the scan cursor, releasing
// every scanned byte for reuse. When nothing is left pending the ring is
// compacted.
func (b *Buffer) CommitEventCursor() {
	b.committed.Add(int64(b.pending - b.unread))
	b.event = b.scan
	b.pending = b.unread
	b.Compact()
}

// Compact resets all cursors to the start of the ring when no bytes are
// pending, maximising the next contiguous write. It reports whether the
// reset happened.
func (b *Buffer) Compact() bool {
	if b.pending != 0 {
		return false
	}
	if b.write == 0 && b.scan == 0 && b.event == 0 {
		return true
	}
	b.write, b.scan, b.event = 0, 0, 0
	b.compacts.Add(1)
	return true
}

// PendingSpan returns the segments covering event..scan, the raw wire bytes
// of the event being decoded.
func (b *Buffer) PendingSpan() Segments {
	var s Segments
	n := b.Scanned()
	if n == 0 {
		return s
	}
	first := min(n, b.size-b.event)
	s.Add(Segment{Offset: b.event, Length: first})
	if first < n {
		s.Add(Segment{Offset: 0, Length: n - first})
	}
	return s
}

// Materialize appends the bytes covered by segs to dst.
func (b *Buffer) Materialize(segs Segments, dst []byte) []byte {
	for _, seg := range segs.All() {
		dst = append(dst, b.data[seg.Offset:seg.Offset+seg.Length]...)
	}
	return dst
}

// Reset drops all data, as after a reconnect.
func (b *Buffer) Reset() {
	b.write, b.scan, b.event = 0, 0, 0
	b.pending, b.unread = 0, 0
}

// Stats holds buffer statistics.
type Stats struct {
	Capacity  int
	Pending   int
	Readable  int
	Write     int
	Scan      int
	Event     int
	Usage     float64
	BytesIn   int64
	Overruns  int64
	Compacts  int64
	Committed int64
}

// Stats returns current buffer statistics.
func (b *Buffer) Stats() Stats {
	return Stats{
		Capacity:  b.size,
		Pending:   b.pending,
		Readable:  b.unread,
		Write:     b.write,
		Scan:      b.scan,
		Event:     b.event,
		Usage:     b.Usage(),
		BytesIn:   b.bytesIn.Load(),
		Overruns:  b.overruns.Load(),
		Compacts:  b.compacts.Load(),
		Committed: b.committed.Load(),
	}
}

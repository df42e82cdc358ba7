package ringbuf

import "fmt"

// MaxSegments bounds a segment list. A logical span of the ring crosses the
// physical end at most once.
const MaxSegments = 2

// Segment is a contiguous region of the ring.
type Segment struct {
	Offset int
	Length int
}

// Segments is an ordered, bounded list of ring regions describing one
// logical span.
type Segments struct {
	segs [MaxSegments]Segment
	n    int
}

// Add appends a segment. Exceeding MaxSegments is a programming error.
func (s *Segments) Add(seg Segment) {
	if s.n == MaxSegments {
		panic(fmt.Sprintf("ringbuf: segment list overflow (max %d)", MaxSegments))
	}
	s.segs[s.n] = seg
	s.n++
}

// Len returns the number of segments.
func (s Segments) Len() int {
	return s.n
}

// All returns the segments in order.
func (s Segments) All() []Segment {
	return s.segs[:s.n]
}

// Bytes returns the total length covered.
func (s Segments) Bytes() int {
	total := 0
	for _, seg := range s.All() {
		total += seg.Length
	}
	return total
}

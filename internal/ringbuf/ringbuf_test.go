package ringbuf

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

func TestBuffer_Basic(t *testing.T) {
	b := New(16)

	if b.Cap() != 16 {
		t.Errorf("expected capacity=16, got %d", b.Cap())
	}
	if b.SpaceAvailable() != 16 {
		t.Errorf("expected space=16, got %d", b.SpaceAvailable())
	}
	if b.Readable() != 0 {
		t.Errorf("expected readable=0, got %d", b.Readable())
	}
	if len(b.WriteSlice()) != 16 {
		t.Errorf("expected write slice of 16, got %d", len(b.WriteSlice()))
	}
}

func TestBuffer_Complementarity(t *testing.T) {
	b := New(64)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 10000; i++ {
		switch rng.Intn(3) {
		case 0:
			n := rng.Intn(b.ContiguousSpaceAvailable() + 1)
			if err := b.RegisterWrite(n); err != nil {
				t.Fatalf("step %d: unexpected write error: %v", i, err)
			}
		case 1:
			n := rng.Intn(b.Readable() + 1)
			if err := b.RegisterRead(n); err != nil {
				t.Fatalf("step %d: unexpected read error: %v", i, err)
			}
		case 2:
			b.CommitEventCursor()
		}

		if got := b.Pending() + b.SpaceAvailable(); got != b.Cap() {
			t.Fatalf("step %d: pending+space = %d, want %d", i, got, b.Cap())
		}
		if b.Readable() > b.Pending() {
			t.Fatalf("step %d: scan passed event cursor (readable %d > pending %d)", i, b.Readable(), b.Pending())
		}
		if b.ContiguousReadable() > b.Readable() {
			t.Fatalf("step %d: contiguous readable exceeds readable", i)
		}
		if b.ContiguousSpaceAvailable() > b.SpaceAvailable() {
			t.Fatalf("step %d: contiguous space exceeds space", i)
		}
	}
}

func TestBuffer_Overrun(t *testing.T) {
	b := New(16)

	if err := b.RegisterWrite(12); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := b.RegisterWrite(5)
	if !errors.Is(err, errors.ErrOverrun) {
		t.Fatalf("expected ErrOverrun, got %v", err)
	}
	if b.Pending() != 12 {
		t.Errorf("overrun must not move cursors, pending=%d", b.Pending())
	}
	if b.Stats().Overruns != 1 {
		t.Errorf("expected 1 overrun, got %d", b.Stats().Overruns)
	}
}

func TestBuffer_FullIsNotEmpty(t *testing.T) {
	b := New(16)

	if err := b.RegisterWrite(16); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.SpaceAvailable() != 0 {
		t.Errorf("expected full ring, space=%d", b.SpaceAvailable())
	}
	if b.Readable() != 16 {
		t.Errorf("expected 16 readable, got %d", b.Readable())
	}
	if len(b.WriteSlice()) != 0 {
		t.Errorf("expected empty write slice, got %d", len(b.WriteSlice()))
	}
}

func TestBuffer_InsufficientData(t *testing.T) {
	b := New(16)
	if _, err := b.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := b.Pop32(); !errors.Is(err, errors.ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
	if err := b.RegisterRead(4); !errors.Is(err, errors.ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
	if b.Readable() != 3 {
		t.Errorf("failed read must not consume, readable=%d", b.Readable())
	}
}

func TestBuffer_Pop32AcrossWrap(t *testing.T) {
	b := New(16)

	// Leave the event and scan cursors at 14 with one byte pending.
	if _, err := b.Write(make([]byte, 15)); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterRead(14); err != nil {
		t.Fatal(err)
	}
	b.CommitEventCursor()

	if _, err := b.Write([]byte{0xDE, 0xAD, 0xBE}); err != nil {
		t.Fatal(err)
	}
	// Byte at 14 is zero from the first write; bytes 15, 0, 1 hold DE AD BE.
	w, err := b.Pop32()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != 0x00DEADBE {
		t.Errorf("expected 0x00DEADBE, got 0x%08X", w)
	}

	span := b.PendingSpan()
	if span.Len() != 2 {
		t.Fatalf("expected 2 segments, got %d", span.Len())
	}
	if span.Bytes() != 4 {
		t.Errorf("expected span of 4 bytes, got %d", span.Bytes())
	}
	got := b.Materialize(span, nil)
	if !bytes.Equal(got, []byte{0x00, 0xDE, 0xAD, 0xBE}) {
		t.Errorf("unexpected materialized bytes % X", got)
	}
}

func TestBuffer_WrapRoundTrip(t *testing.T) {
	const size = 37
	b := New(size)
	rng := rand.New(rand.NewSource(7))

	var sent, received []byte
	for round := 0; round < 500; round++ {
		chunk := make([]byte, rng.Intn(b.SpaceAvailable()+1))
		rng.Read(chunk)
		if _, err := b.Write(chunk); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		sent = append(sent, chunk...)

		n := rng.Intn(b.Readable() + 1)
		if err := b.RegisterRead(n); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		received = b.Materialize(b.PendingSpan(), received)
		b.CommitEventCursor()
	}

	if !bytes.Equal(sent[:len(received)], received) {
		t.Fatal("bytes read across wraps differ from bytes written")
	}
}

func TestBuffer_CompactResetsCursors(t *testing.T) {
	b := New(16)
	if _, err := b.Write(make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterRead(10); err != nil {
		t.Fatal(err)
	}

	if b.Compact() {
		t.Error("compact must not reset while bytes are pending")
	}

	b.CommitEventCursor()
	st := b.Stats()
	if st.Write != 0 || st.Scan != 0 || st.Event != 0 {
		t.Errorf("expected cursors reset, got write=%d scan=%d event=%d", st.Write, st.Scan, st.Event)
	}
	if len(b.WriteSlice()) != 16 {
		t.Errorf("expected full contiguous space after compaction, got %d", len(b.WriteSlice()))
	}
	if st.Compacts != 1 {
		t.Errorf("expected 1 compaction, got %d", st.Compacts)
	}
}

func TestSegments_Overflow(t *testing.T) {
	var s Segments
	s.Add(Segment{Offset: 0, Length: 1})
	s.Add(Segment{Offset: 4, Length: 1})

	defer func() {
		if recover() == nil {
			t.Error("expected panic on third segment")
		}
	}()
	s.Add(Segment{Offset: 8, Length: 1})
}

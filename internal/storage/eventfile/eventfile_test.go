package eventfile

import (
	"bytes"
	"io"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/protocol"
	"github.com/xtxerr/fnetdaq/internal/testutil"
)

func payloads(t *testing.T, n int) [][]byte {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	out := make([][]byte, n)
	for i := range out {
		v, dev := protocol.Ceres, uint8(4)
		if i%3 == 0 {
			v, dev = protocol.Fontus, 1
		}
		ev := testutil.Event(rng, v, dev, uint32(i), uint64(1000*i), 8+i%5, true)
		out[i] = testutil.Payload(t, v, ev)
	}
	return out
}

func TestWriteReadSegments(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "lz4"
		}
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			want := payloads(t, 40)

			w, err := NewWriter(dir, Options{Prefix: "dev04", MaxSegmentSize: 4096, Compress: compress})
			if err != nil {
				t.Fatalf("NewWriter: %v", err)
			}
			for _, p := range want {
				if err := w.Write(p); err != nil {
					t.Fatalf("write: %v", err)
				}
			}
			if err := w.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if err := w.Write(want[0]); !errors.Is(err, errors.ErrWriterClosed) {
				t.Errorf("write after close: %v", err)
			}

			segs, err := ListSegments(dir, "dev04", "evt")
			if err != nil {
				t.Fatal(err)
			}
			if len(segs) < 2 {
				t.Fatalf("expected rotation, got %d segments", len(segs))
			}
			if int64(len(segs)) != w.Stats().SegmentsCreated {
				t.Errorf("listed %d segments, created %d", len(segs), w.Stats().SegmentsCreated)
			}

			var got [][]byte
			for _, seg := range segs {
				if seg.Compressed != compress {
					t.Errorf("segment %s compressed=%v", seg.Path, seg.Compressed)
				}
				r, err := OpenReader(seg.Path)
				if err != nil {
					t.Fatal(err)
				}
				for {
					p, err := r.Next()
					if err == io.EOF {
						break
					}
					if err != nil {
						t.Fatalf("%s: %v", seg.Path, err)
					}
					got = append(got, bytes.Clone(p))
				}
				r.Close()
			}

			if len(got) != len(want) {
				t.Fatalf("read %d payloads, wrote %d", len(got), len(want))
			}
			for i := range want {
				if !bytes.Equal(got[i], want[i]) {
					t.Errorf("payload %d differs", i)
				}
			}
		})
	}
}

func TestWriterContinuesNumbering(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		w, err := NewWriter(dir, Options{Prefix: "raw", Ext: "raw"})
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Write([]byte{1, 2, 3}); err != nil {
			t.Fatal(err)
		}
		w.Close()
	}

	segs, err := ListSegments(dir, "raw", "raw")
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 2 || segs[0].Seq != 0 || segs[1].Seq != 1 {
		t.Fatalf("unexpected segments %+v", segs)
	}
	if filepath.Base(segs[1].Path) != "raw-000001.raw" {
		t.Errorf("unexpected name %s", segs[1].Path)
	}
}

func TestReaderTruncated(t *testing.T) {
	p := payloads(t, 2)
	stream := append(bytes.Clone(p[0]), p[1][:len(p[1])-3]...)

	r := NewReader(bytes.NewReader(stream))
	if _, err := r.Next(); err != nil {
		t.Fatalf("first payload: %v", err)
	}
	if _, err := r.Next(); err != io.ErrUnexpectedEOF {
		t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
	}

	r = NewReader(bytes.NewReader([]byte{0, 1, 2, 3, 4, 5}))
	if _, err := r.Next(); !errors.Is(err, errors.ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
}

func TestMergedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := payloads(t, 6)

	records := []*MergedRecord{
		{ID: 0, Status: StatusComplete, Version: MergedVersion, Mask: 1<<1 | 1<<4, Payloads: [][]byte{p[0], p[1]}},
		{ID: 7, Status: StatusIncomplete, Version: MergedVersion, Mask: 1 << 4, Payloads: [][]byte{p[2]}},
		{ID: 9, Status: StatusComplete, Version: MergedVersion, Mask: 1<<1 | 1<<4 | 1<<5, Payloads: [][]byte{p[3], p[4], p[5]}},
	}

	mw, err := NewMergedWriter(dir, Options{Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range records {
		enc, err := mw.Append(rec)
		if err != nil {
			t.Fatal(err)
		}
		if len(enc) != rec.Size() {
			t.Errorf("record %d: encoded %d bytes, Size says %d", rec.ID, len(enc), rec.Size())
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	segs, err := ListSegments(dir, "merged", "zip")
	if err != nil || len(segs) != 1 {
		t.Fatalf("segments %v, err %v", segs, err)
	}
	mr, err := OpenMergedReader(segs[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	for _, want := range records {
		got, err := mr.Next()
		if err != nil {
			t.Fatalf("record %d: %v", want.ID, err)
		}
		if got.ID != want.ID || got.Status != want.Status || got.Mask != want.Mask || len(got.Payloads) != len(want.Payloads) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
		for i := range want.Payloads {
			if !bytes.Equal(got.Payloads[i], want.Payloads[i]) {
				t.Errorf("record %d payload %d differs", want.ID, i)
			}
		}
	}
	if _, err := mr.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestMergedBadVersion(t *testing.T) {
	rec := &MergedRecord{ID: 3, Version: 9, Mask: 0}
	r := NewMergedReader(bytes.NewReader(AppendMerged(nil, rec)))
	if _, err := r.Next(); !errors.Is(err, errors.ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord, got %v", err)
	}
	if StatusIncomplete.String() != "incomplete" {
		t.Error("status string")
	}
}

func TestNewWriterRequiresPrefix(t *testing.T) {
	if _, err := NewWriter(t.TempDir(), Options{}); !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestWriterLastPosition(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, Options{Prefix: "dev01", MaxSegmentSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	steps := []struct {
		rec  []byte
		want Position
	}{
		{[]byte("abcd"), Position{Segment: "dev01-000000.evt", Offset: 0, Size: 4}},
		{[]byte("efgh"), Position{Segment: "dev01-000000.evt", Offset: 4, Size: 4}},
		{[]byte("ijkl"), Position{Segment: "dev01-000001.evt", Offset: 0, Size: 4}},
	}
	for i, s := range steps {
		if err := w.Write(s.rec); err != nil {
			t.Fatal(err)
		}
		if got := w.Last(); got != s.want {
			t.Errorf("step %d: Last() = %+v, want %+v", i, got, s.want)
		}
	}
}

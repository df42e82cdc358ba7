package resync

import (
	"math/rand"
	"testing"

	"github.com/xtxerr/fnetdaq/internal/protocol"
	"github.com/xtxerr/fnetdaq/internal/ringbuf"
	"github.com/xtxerr/fnetdaq/internal/testutil"
)

// pipeline is the builder's decode loop without dispatch.
type pipeline struct {
	buf *ringbuf.Buffer
	dec *protocol.Decoder
	eng *Engine
	got []protocol.Header
}

func newPipeline(v protocol.Variant, ringSize int) *pipeline {
	p := &pipeline{
		buf: ringbuf.New(ringSize),
		dec: protocol.NewDecoder(v, 0),
		eng: New(v.MagicBytes()),
	}
	p.eng.Enter(nil)
	return p
}

func (p *pipeline) feed(t *testing.T, data []byte) {
	t.Helper()
	for len(data) > 0 {
		n := min(len(data), p.buf.SpaceAvailable())
		if n == 0 {
			t.Fatal("ring full without progress")
		}
		if _, err := p.buf.Write(data[:n]); err != nil {
			t.Fatal(err)
		}
		data = data[n:]
		p.process()
	}
}

func (p *pipeline) process() {
	for {
		if p.eng.Active() && !p.eng.Scan(p.buf) {
			return
		}
		rec, err := p.dec.Next(p.buf)
		if err != nil {
			p.eng.Enter(err)
			continue
		}
		if rec == nil {
			return
		}
		p.got = append(p.got, rec.Header)
		p.buf.CommitEventCursor()
	}
}

func garbage(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.Intn(0x80))
	}
	return b
}

func events(t *testing.T, rng *rand.Rand, v protocol.Variant, first uint32, n, pairs int) []byte {
	var evs []protocol.Event
	for i := 0; i < n; i++ {
		evs = append(evs, testutil.Event(rng, v, 2, first+uint32(i), uint64(1000+i), pairs, true))
	}
	return testutil.Stream(t, protocol.Encoder{Variant: v, Packed: true}, evs...)
}

func TestRecoverAfterGarbage(t *testing.T) {
	for _, v := range []protocol.Variant{protocol.Ceres, protocol.Fontus} {
		t.Run(v.String(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(21))
			p := newPipeline(v, 8192)

			var stream []byte
			stream = append(stream, garbage(rng, 777)...)
			stream = append(stream, events(t, rng, v, 10, 3, 20)...)
			p.feed(t, stream)

			if len(p.got) != 3 {
				t.Fatalf("expected 3 events, got %d", len(p.got))
			}
			for i, h := range p.got {
				if h.TriggerID != uint32(10+i) {
					t.Errorf("event %d: expected trigger %d, got %d", i, 10+i, h.TriggerID)
				}
			}
			if p.eng.Active() {
				t.Error("engine should have left resync mode")
			}
			if st := p.eng.Stats(); st.DroppedBytes != 777 || st.Recoveries != 1 {
				t.Errorf("unexpected stats %+v", st)
			}
		})
	}
}

func TestRecoverAfterCorruptEvent(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	v := protocol.Ceres
	p := newPipeline(v, 16384)

	var stream []byte
	var offsets []int
	for i := 0; i < 5; i++ {
		offsets = append(offsets, len(stream))
		stream = append(stream, events(t, rng, v, uint32(1+i), 1, 16)...)
	}
	// Corrupt the second event's header checksum.
	stream[offsets[1]+19] ^= 0x10

	p.feed(t, stream)

	var triggers []uint32
	for _, h := range p.got {
		triggers = append(triggers, h.TriggerID)
	}
	if len(triggers) != 4 || triggers[0] != 1 || triggers[1] != 3 {
		t.Fatalf("expected events 1,3,4,5, got %v", triggers)
	}
	if p.eng.Stats().Entries < 2 {
		t.Errorf("expected resync to be entered after the bad header, got %+v", p.eng.Stats())
	}
}

func TestScanKeepsPartialMagic(t *testing.T) {
	p := newPipeline(protocol.Fontus, 1024)
	rng := rand.New(rand.NewSource(8))

	junk := garbage(rng, 100)
	p.feed(t, junk)
	if p.buf.Readable() != 3 {
		t.Fatalf("expected 3 bytes kept for a split magic, got %d", p.buf.Readable())
	}
	if got := p.eng.Stats().DroppedBytes; got != 97 {
		t.Errorf("expected 97 dropped bytes, got %d", got)
	}

	stream := events(t, rng, protocol.Fontus, 50, 1, 4)
	p.feed(t, stream[:2])
	if !p.eng.Active() {
		t.Fatal("half a magic must not end resync")
	}
	p.feed(t, stream[2:])
	if len(p.got) != 1 || p.got[0].TriggerID != 50 {
		t.Fatalf("expected event 50, got %+v", p.got)
	}
}

func TestMagicSplitAcrossWrapIsSkipped(t *testing.T) {
	v := protocol.Ceres
	p := newPipeline(v, 256)

	// Leave bytes 251..253 pending so the next write starts two bytes
	// before the physical end and the first magic straddles the wrap.
	p.feed(t, make([]byte, 254))
	if p.buf.Readable() != 3 {
		t.Fatalf("expected 3 bytes kept, got %d", p.buf.Readable())
	}

	var stream []byte
	for trig := uint32(1); trig <= 3; trig++ {
		wire, err := protocol.Encoder{Variant: v}.Encode(nil, protocol.Event{
			Header:   protocol.Header{TriggerID: trig, Clock: uint64(trig)},
			Channels: make([]protocol.Waveform, v.Channels),
		})
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, wire...)
	}
	p.feed(t, stream)

	if len(p.got) == 0 {
		t.Fatal("expected recovery on a later event")
	}
	if p.got[0].TriggerID != 2 {
		t.Errorf("expected the wrap-split event to be lost and event 2 recovered, got trigger %d", p.got[0].TriggerID)
	}
}

func TestArmIsNotCounted(t *testing.T) {
	e := New(protocol.Ceres.MagicBytes())
	e.Arm()
	if !e.Active() {
		t.Fatal("armed engine should be active")
	}
	if st := e.Stats(); st.Entries != 0 {
		t.Errorf("arm counted as entry: %+v", st)
	}
	e.Enter(nil)
	if st := e.Stats(); st.Entries != 1 {
		t.Errorf("expected one entry, got %+v", st)
	}
}

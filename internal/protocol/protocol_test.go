package protocol_test

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"reflect"
	"testing"

	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/protocol"
	"github.com/xtxerr/fnetdaq/internal/ringbuf"
	"github.com/xtxerr/fnetdaq/internal/testutil"
)

// decoded is a copy of a record that outlives decoder scratch.
type decoded struct {
	header  protocol.Header
	payload []byte
	raw     []byte
}

// decodeStream feeds wire into a ring chunk bytes at a time and decodes
// until the stream is exhausted or the decoder reports an error.
func decodeStream(t *testing.T, v protocol.Variant, wire []byte, ringSize, chunk int) ([]decoded, error) {
	t.Helper()
	buf := ringbuf.New(ringSize)
	dec := protocol.NewDecoder(v, 0)

	var out []decoded
	for len(wire) > 0 || buf.Readable() >= 4 {
		n := min(chunk, len(wire), buf.SpaceAvailable())
		if n > 0 {
			if _, err := buf.Write(wire[:n]); err != nil {
				t.Fatalf("ring write: %v", err)
			}
			wire = wire[n:]
		}

		for {
			rec, err := dec.Next(buf)
			if err != nil {
				return out, err
			}
			if rec == nil {
				break
			}
			out = append(out, decoded{
				header:  rec.Header,
				payload: append([]byte(nil), rec.Payload...),
				raw:     buf.Materialize(rec.Raw, nil),
			})
			buf.CommitEventCursor()
		}
		if n == 0 && len(wire) > 0 && buf.SpaceAvailable() == 0 {
			t.Fatal("ring full without progress")
		}
		if n == 0 && len(wire) == 0 {
			break
		}
	}
	return out, nil
}

func TestCRC8CheckValue(t *testing.T) {
	if got := protocol.CRC8(0, []byte("123456789")); got != 0xF4 {
		t.Errorf("expected CRC-8 check value 0xF4, got 0x%02X", got)
	}
}

func TestPhysicalChannel(t *testing.T) {
	tests := []struct {
		v      protocol.Variant
		device uint8
		serial int
		want   int
	}{
		{protocol.Ceres, 0, 0, 3},
		{protocol.Ceres, 2, 4, 7},
		{protocol.Ceres, 4, 15, 12},
		{protocol.Ceres, 1, 0, 15},
		{protocol.Ceres, 3, 15, 0},
		{protocol.Fontus, 1, 2, 2},
	}
	for _, tt := range tests {
		if got := tt.v.PhysicalChannel(tt.device, tt.serial); got != tt.want {
			t.Errorf("%s device %d serial %d: got %d, want %d", tt.v, tt.device, tt.serial, got, tt.want)
		}
	}
}

func TestParseVariant(t *testing.T) {
	v, err := protocol.ParseVariant("FONTUS")
	if err != nil || v.Kind != protocol.KindFontus {
		t.Errorf("expected fontus, got %v (%v)", v, err)
	}
	if _, err := protocol.ParseVariant("hermes"); !errors.Is(err, errors.ErrUnknownVariant) {
		t.Errorf("expected ErrUnknownVariant, got %v", err)
	}
	if protocol.Fontus.HeaderSize() != 52 || protocol.Ceres.HeaderSize() != 20 {
		t.Error("unexpected header sizes")
	}
	if protocol.Ceres.PayloadSize(10) != 20+16*12*4 {
		t.Errorf("unexpected ceres payload size %d", protocol.Ceres.PayloadSize(10))
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		v      protocol.Variant
		device uint8
		packed bool
		smooth bool
	}{
		{"ceres even raw", protocol.Ceres, 2, false, false},
		{"ceres odd raw", protocol.Ceres, 3, false, true},
		{"ceres even packed", protocol.Ceres, 4, true, true},
		{"ceres odd packed rough", protocol.Ceres, 5, true, false},
		{"fontus raw", protocol.Fontus, 1, false, false},
		{"fontus packed", protocol.Fontus, 1, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(tt.device) + 100))
			var events []protocol.Event
			for i := 0; i < 5; i++ {
				events = append(events, testutil.Event(rng, tt.v, tt.device, uint32(1000+i), uint64(1<<40+i*977), 31, tt.smooth))
			}
			wire := testutil.Stream(t, protocol.Encoder{Variant: tt.v, Packed: tt.packed}, events...)

			// A ring smaller than the stream forces wraps.
			got, err := decodeStream(t, tt.v, wire, 4096, 97)
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if len(got) != len(events) {
				t.Fatalf("expected %d events, got %d", len(events), len(got))
			}

			for i, ev := range events {
				h := got[i].header
				if h.TriggerID != ev.Header.TriggerID || h.Clock != ev.Header.Clock || h.DeviceID != tt.device {
					t.Errorf("event %d: header mismatch %+v", i, h)
				}
				if h.Length != 31 {
					t.Errorf("event %d: expected length 31, got %d", i, h.Length)
				}
				if tt.v.Kind == protocol.KindFontus {
					if h.SelfTrigger != ev.Header.SelfTrigger || h.CTTime != ev.Header.CTTime || h.Flags != ev.Header.Flags {
						t.Errorf("event %d: fontus extras mismatch %+v", i, h)
					}
				}

				if err := tt.v.ValidatePayload(got[i].payload); err != nil {
					t.Errorf("event %d: payload invalid: %v", i, err)
				}
				if !reflect.DeepEqual(tt.v.Waveforms(got[i].payload), ev.Channels) {
					t.Errorf("event %d: samples differ after round trip", i)
				}
				if want := testutil.Payload(t, tt.v, ev); !bytes.Equal(got[i].payload, want) {
					t.Errorf("event %d: payload differs from expected layout", i)
				}
			}

			// Raw spans concatenate back to the wire stream.
			var raw []byte
			for _, d := range got {
				raw = append(raw, d.raw...)
			}
			if !bytes.Equal(raw, wire) {
				t.Error("raw spans do not reproduce the wire stream")
			}
		})
	}
}

func TestPackedEncodingIsUsed(t *testing.T) {
	w := protocol.Waveform{Samples: make([]uint16, 60), Valid: make([]bool, 30)}
	for i := range w.Samples {
		w.Samples[i] = uint16(i % 7)
	}
	raw := protocol.EncodeWaveform(w, false)
	packed := protocol.EncodeWaveform(w, true)
	if len(raw) != 30 {
		t.Errorf("expected 30 raw words, got %d", len(raw))
	}
	if len(packed) != 10 {
		t.Errorf("expected 10 packed words, got %d", len(packed))
	}
}

func TestByteAtATime(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ev := testutil.Event(rng, protocol.Ceres, 6, 77, 123456789, 12, true)
	wire := testutil.Stream(t, protocol.Encoder{Variant: protocol.Ceres, Packed: true}, ev)

	buf := ringbuf.New(len(wire))
	dec := protocol.NewDecoder(protocol.Ceres, 0)
	for i, b := range wire {
		if _, err := buf.Write([]byte{b}); err != nil {
			t.Fatal(err)
		}
		rec, err := dec.Next(buf)
		if err != nil {
			t.Fatalf("byte %d: unexpected error %v", i, err)
		}
		if i < len(wire)-1 && rec != nil {
			t.Fatalf("byte %d: event emitted before stream complete", i)
		}
		if i == len(wire)-1 {
			if rec == nil {
				t.Fatal("expected event after final byte")
			}
			if rec.Header.TriggerID != 77 {
				t.Errorf("expected trigger 77, got %d", rec.Header.TriggerID)
			}
		}
	}
}

func TestBitFlipNeverEmitsCorruptData(t *testing.T) {
	for _, v := range []protocol.Variant{protocol.Ceres, protocol.Fontus} {
		rng := rand.New(rand.NewSource(11))
		ev := testutil.Event(rng, v, 2, 5, 99999, 8, true)
		wire := testutil.Stream(t, protocol.Encoder{Variant: v, Packed: true}, ev)
		want := testutil.Payload(t, v, ev)

		// Header checksum bits, then the first channel's CRC word.
		var bits []int
		if v.Kind == protocol.KindCeres {
			for b := 0; b < 8; b++ {
				bits = append(bits, 19*8+b)
			}
		} else {
			for b := 0; b < 32; b++ {
				bits = append(bits, 48*8+b)
			}
		}
		crcAt := firstChannelCRC(t, v, wire)
		for b := 0; b < 32; b++ {
			bits = append(bits, crcAt*8+b)
		}

		for _, bit := range bits {
			corrupt := append([]byte(nil), wire...)
			corrupt[bit/8] ^= 1 << (7 - bit%8)

			got, err := decodeStream(t, v, corrupt, 4096, 64)
			if err == nil {
				t.Errorf("%s bit %d: expected protocol error", v, bit)
			} else if !errors.IsProtocolError(err) {
				t.Errorf("%s bit %d: expected protocol error, got %v", v, bit, err)
			}
			if len(got) != 0 {
				t.Errorf("%s bit %d: corrupted event emitted", v, bit)
			}
		}

		// Any flip in the body either fails or leaves the decoded data intact.
		for bit := v.HeaderSize() * 8; bit < len(wire)*8; bit += 7 {
			corrupt := append([]byte(nil), wire...)
			corrupt[bit/8] ^= 1 << (7 - bit%8)

			got, err := decodeStream(t, v, corrupt, 4096, 64)
			if err != nil && !errors.IsProtocolError(err) {
				t.Errorf("%s bit %d: unexpected error class %v", v, bit, err)
			}
			for _, d := range got {
				if !bytes.Equal(d.payload, want) {
					t.Errorf("%s bit %d: corrupted payload emitted", v, bit)
				}
			}
		}
	}
}

// firstChannelCRC walks the wire form of a single event and returns the
// byte offset of serial channel 0's CRC word.
func firstChannelCRC(t *testing.T, v protocol.Variant, wire []byte) int {
	t.Helper()
	h := v.ParseHeader(wire)
	pairs := 0
	off := v.HeaderSize() + 4
	for pairs < int(h.Length) {
		w := binary.BigEndian.Uint32(wire[off:])
		if w&(1<<30) != 0 {
			pairs += 3
		} else {
			pairs++
		}
		off += 4
	}
	return off
}

func TestChannelOverrun(t *testing.T) {
	v := protocol.Ceres
	w := protocol.Waveform{Samples: []uint16{1, 2, 3, 4, 5, 6}, Valid: []bool{true, true, true}}
	ev := protocol.Event{Channels: make([]protocol.Waveform, v.Channels)}
	for i := range ev.Channels {
		ev.Channels[i] = w
	}
	wire := testutil.Stream(t, protocol.Encoder{Variant: v, Packed: true}, ev)

	// Shrink the declared length below what the packed word produces.
	h := v.ParseHeader(wire)
	h.Length = 2
	h = v.Seal(h)
	copy(wire, v.AppendHeader(nil, h))

	_, err := decodeStream(t, v, wire, 4096, 4096)
	if !errors.Is(err, errors.ErrChannelOverrun) {
		t.Fatalf("expected ErrChannelOverrun, got %v", err)
	}
}

func TestChannelMarkerMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	v := protocol.Fontus
	wire := testutil.Stream(t, protocol.Encoder{Variant: v}, testutil.Event(rng, v, 1, 1, 1000, 4, false))
	wire[v.HeaderSize()+3] ^= 0x01

	_, err := decodeStream(t, v, wire, 4096, 4096)
	if !errors.Is(err, errors.ErrChannelMarker) {
		t.Fatalf("expected ErrChannelMarker, got %v", err)
	}
}

func TestEventTooLarge(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	v := protocol.Ceres
	wire := testutil.Stream(t, protocol.Encoder{Variant: v}, testutil.Event(rng, v, 0, 1, 1000, 16, false))

	buf := ringbuf.New(8192)
	if _, err := buf.Write(wire); err != nil {
		t.Fatal(err)
	}
	dec := protocol.NewDecoder(v, 256)
	_, err := dec.Next(buf)
	if !errors.Is(err, errors.ErrEventTooLarge) {
		t.Fatalf("expected ErrEventTooLarge, got %v", err)
	}
	if dec.Stats().OversizeEvents != 1 {
		t.Errorf("expected 1 oversize event, got %d", dec.Stats().OversizeEvents)
	}
	if buf.Scanned() != 0 {
		t.Errorf("failed header must be committed, %d bytes still scanned", buf.Scanned())
	}
}

func TestPeekHeader(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ev := testutil.Event(rng, protocol.Fontus, 1, 42, 5555, 3, false)
	p := testutil.Payload(t, protocol.Fontus, ev)

	v, h, err := protocol.PeekHeader(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Kind != protocol.KindFontus || h.TriggerID != 42 || h.Clock != 5555 {
		t.Errorf("unexpected peek result %v %+v", v, h)
	}
	if n, _ := protocol.PayloadLen(p); n != len(p) {
		t.Errorf("expected payload length %d, got %d", len(p), n)
	}
	if binary.BigEndian.Uint32(p[protocol.OffsetTrigger:]) != 42 || p[protocol.OffsetDevice] != 1 {
		t.Error("fixed payload offsets do not match header layout")
	}
	if _, _, err := protocol.PeekHeader([]byte{1, 2, 3, 4, 5}); !errors.Is(err, errors.ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
}

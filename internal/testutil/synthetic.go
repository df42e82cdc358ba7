// Package testutil provides synthetic front-end data and goroutine helpers
// for tests.
package testutil

import (
	"math/rand"
	"testing"

	"github.com/xtxerr/fnetdaq/internal/protocol"
)

// Waveform returns a waveform of the given number of pairs. A smooth
// waveform is a slow random walk whose differences fit packed words; a
// rough one is uniform 14-bit noise. Valid flags change in runs of three
// pairs so packing stays possible.
func Waveform(rng *rand.Rand, pairs int, smooth bool) protocol.Waveform {
	w := protocol.Waveform{
		Samples: make([]uint16, 2*pairs),
		Valid:   make([]bool, pairs),
	}
	level := rng.Intn(0x4000)
	for i := range w.Samples {
		if smooth {
			level = (level + rng.Intn(7) - 3 + 0x4000) % 0x4000
		} else {
			level = rng.Intn(0x4000)
		}
		w.Samples[i] = uint16(level)
	}
	for p := range w.Valid {
		w.Valid[p] = (p/3)%4 != 3
	}
	return w
}

// Event builds a synthetic event for device with random waveforms.
func Event(rng *rand.Rand, v protocol.Variant, device uint8, trigger uint32, clock uint64, pairs int, smooth bool) protocol.Event {
	ev := protocol.Event{
		Header: protocol.Header{
			TriggerID: trigger,
			Clock:     clock,
			DeviceID:  device,
		},
		Channels: make([]protocol.Waveform, v.Channels),
	}
	if v.Kind == protocol.KindFontus {
		ev.Header.Flags = uint8(rng.Intn(256))
		ev.Header.SelfTrigger = rng.Uint32()
		ev.Header.BeamTime = clock - 10
		ev.Header.LEDTime = clock - 20
		ev.Header.CTTime = clock + 5
	}
	for ch := range ev.Channels {
		ev.Channels[ch] = Waveform(rng, pairs, smooth)
	}
	return ev
}

// Stream encodes events back to back.
func Stream(tb testing.TB, enc protocol.Encoder, events ...protocol.Event) []byte {
	tb.Helper()
	var out []byte
	for _, ev := range events {
		var err error
		out, err = enc.Encode(out, ev)
		if err != nil {
			tb.Fatalf("encode event %d: %v", ev.Header.TriggerID, err)
		}
	}
	return out
}

// Payload returns the decoded payload the builder would produce for ev.
func Payload(tb testing.TB, v protocol.Variant, ev protocol.Event) []byte {
	tb.Helper()
	wire, err := protocol.Encoder{Variant: v}.Encode(nil, ev)
	if err != nil {
		tb.Fatalf("encode event %d: %v", ev.Header.TriggerID, err)
	}
	h := v.ParseHeader(wire)
	p := v.AppendHeader(make([]byte, 0, v.PayloadSize(h.Length)), h)
	for ch, w := range ev.Channels {
		p = appendWord(p, protocol.Marker(ch))
		pairs := w.AppendPairs(nil)
		p = append(p, pairs...)
		p = appendWord(p, protocol.ChannelCRC(pairs))
	}
	return p
}

func appendWord(p []byte, w uint32) []byte {
	return append(p, byte(w>>24), byte(w>>16), byte(w>>8), byte(w))
}

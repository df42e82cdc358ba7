package protocol

import (
	"encoding/binary"
	"fmt"
)

// Event is a synthetic event for encoding. Channels are indexed by
// physical channel; all must have the same number of pairs.
type Event struct {
	Header   Header
	Channels []Waveform
}

// Encoder writes events in wire format, as a front-end would.
type Encoder struct {
	Variant Variant
	Packed  bool // fold small differences into packed words
}

// Encode appends the wire form of ev to dst. Length, Magic and Checksum are
// derived; the other header fields are taken from ev.Header.
func (e Encoder) Encode(dst []byte, ev Event) ([]byte, error) {
	v := e.Variant
	if len(ev.Channels) != v.Channels {
		return dst, fmt.Errorf("%s event needs %d channels, got %d", v, v.Channels, len(ev.Channels))
	}
	pairs := ev.Channels[0].Pairs()
	for i, w := range ev.Channels {
		if w.Pairs() != pairs || len(w.Valid) != pairs || len(w.Samples) != 2*pairs {
			return dst, fmt.Errorf("channel %d: inconsistent waveform length", i)
		}
	}
	if pairs > 0xFFFF {
		return dst, fmt.Errorf("%d pairs exceeds header length field", pairs)
	}

	h := ev.Header
	h.Length = uint16(pairs)
	h = v.Seal(h)
	dst = v.AppendHeader(dst, h)

	var scratch []byte
	for serial := 0; serial < v.Channels; serial++ {
		w := ev.Channels[v.PhysicalChannel(h.DeviceID, serial)]
		dst = binary.BigEndian.AppendUint32(dst, Marker(serial))
		for _, word := range EncodeWaveform(w, e.Packed) {
			dst = binary.BigEndian.AppendUint32(dst, word)
		}
		scratch = w.AppendPairs(scratch[:0])
		dst = binary.BigEndian.AppendUint32(dst, ChannelCRC(scratch))
	}
	return dst, nil
}

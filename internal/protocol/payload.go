package protocol

import (
	"encoding/binary"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

// Payload byte offsets shared by both variants.
const (
	OffsetTrigger = 4
	OffsetClock   = 8
	OffsetLength  = 16
	OffsetDevice  = 18
)

// PeekHeader identifies the variant of a decoded payload by its magic and
// parses its header.
func PeekHeader(p []byte) (Variant, Header, error) {
	if len(p) < 4 {
		return Variant{}, Header{}, errors.Wrapf(errors.ErrInvalidRecord, "payload of %d bytes", len(p))
	}
	v, ok := VariantForMagic(binary.BigEndian.Uint32(p))
	if !ok {
		return Variant{}, Header{}, errors.Wrapf(errors.ErrBadMagic, "got 0x%08X", binary.BigEndian.Uint32(p))
	}
	if len(p) < v.HeaderSize() {
		return Variant{}, Header{}, errors.Wrapf(errors.ErrInvalidRecord, "%s header truncated", v)
	}
	return v, v.ParseHeader(p), nil
}

// PayloadLen returns the full length of the payload starting at p, read
// from its header.
func PayloadLen(p []byte) (int, error) {
	v, h, err := PeekHeader(p)
	if err != nil {
		return 0, err
	}
	return v.PayloadSize(h.Length), nil
}

// ValidatePayload re-checks a decoded payload: header checksum, every
// channel marker and every channel CRC.
func (v Variant) ValidatePayload(p []byte) error {
	if len(p) < v.HeaderSize() {
		return errors.Wrapf(errors.ErrInvalidRecord, "payload of %d bytes", len(p))
	}
	h := v.ParseHeader(p)
	if h.Magic != v.Magic {
		return errors.Wrapf(errors.ErrBadMagic, "got 0x%08X", h.Magic)
	}
	if want := v.ExpectedChecksum(h); h.Checksum != want {
		return errors.Wrapf(errors.ErrHeaderChecksum, "trigger %d", h.TriggerID)
	}
	if len(p) != v.PayloadSize(h.Length) {
		return errors.Wrapf(errors.ErrInvalidRecord, "payload of %d bytes, header says %d", len(p), v.PayloadSize(h.Length))
	}

	stride := (int(h.Length) + 2) * 4
	for ch := 0; ch < v.Channels; ch++ {
		start := v.HeaderSize() + ch*stride
		if m := binary.BigEndian.Uint32(p[start:]); m != Marker(ch) {
			return errors.Wrapf(errors.ErrChannelMarker, "trigger %d channel %d", h.TriggerID, ch)
		}
		crcAt := start + stride - 4
		if ChannelCRC(p[start+4:crcAt]) != binary.BigEndian.Uint32(p[crcAt:]) {
			return errors.Wrapf(errors.ErrChannelChecksum, "trigger %d channel %d", h.TriggerID, ch)
		}
	}
	return nil
}

// Waveforms returns the samples of every physical channel of a payload.
func (v Variant) Waveforms(p []byte) []Waveform {
	h := v.ParseHeader(p)
	stride := (int(h.Length) + 2) * 4
	out := make([]Waveform, v.Channels)
	for ch := range out {
		start := v.HeaderSize() + ch*stride
		out[ch] = WaveformFromPairs(p[start+4 : start+stride-4])
	}
	return out
}

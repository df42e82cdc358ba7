package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
)

// Header is the trigger header of one event. Fields beyond DeviceID are
// only carried by Fontus.
type Header struct {
	Magic     uint32
	TriggerID uint32
	Clock     uint64
	Length    uint16 // sample pair words per channel
	DeviceID  uint8
	Checksum  uint32 // CRC-8 for Ceres, CRC-32 for Fontus

	Flags       uint8
	SelfTrigger uint32
	BeamTime    uint64
	LEDTime     uint64
	CTTime      uint64
}

// setWord stores header word i as read from the wire.
func (v Variant) setWord(h *Header, i int, w uint32) {
	switch i {
	case 0:
		h.Magic = w
	case 1:
		h.TriggerID = w
	case 2:
		h.Clock = h.Clock&0x00000000FFFFFFFF | uint64(w)<<32
	case 3:
		h.Clock = h.Clock&0xFFFFFFFF00000000 | uint64(w)
	case 4:
		h.Length = uint16(w >> 16)
		h.DeviceID = uint8(w >> 8)
		if v.Kind == KindCeres {
			h.Checksum = w & 0xFF
		} else {
			h.Flags = uint8(w)
		}
	}
	if v.Kind != KindFontus {
		return
	}
	switch i {
	case 5:
		h.SelfTrigger = w
	case 6:
		h.BeamTime = h.BeamTime&0x00000000FFFFFFFF | uint64(w)<<32
	case 7:
		h.BeamTime = h.BeamTime&0xFFFFFFFF00000000 | uint64(w)
	case 8:
		h.LEDTime = h.LEDTime&0x00000000FFFFFFFF | uint64(w)<<32
	case 9:
		h.LEDTime = h.LEDTime&0xFFFFFFFF00000000 | uint64(w)
	case 10:
		h.CTTime = h.CTTime&0x00000000FFFFFFFF | uint64(w)<<32
	case 11:
		h.CTTime = h.CTTime&0xFFFFFFFF00000000 | uint64(w)
	case 12:
		h.Checksum = w
	}
}

// Words returns the header as wire words.
func (v Variant) Words(h Header) []uint32 {
	w4 := uint32(h.Length)<<16 | uint32(h.DeviceID)<<8
	if v.Kind == KindCeres {
		w4 |= h.Checksum & 0xFF
	} else {
		w4 |= uint32(h.Flags)
	}
	words := []uint32{h.Magic, h.TriggerID, uint32(h.Clock >> 32), uint32(h.Clock), w4}
	if v.Kind == KindFontus {
		words = append(words,
			h.SelfTrigger,
			uint32(h.BeamTime>>32), uint32(h.BeamTime),
			uint32(h.LEDTime>>32), uint32(h.LEDTime),
			uint32(h.CTTime>>32), uint32(h.CTTime),
			h.Checksum,
		)
	}
	return words
}

// AppendHeader appends the big-endian wire form of h to dst.
func (v Variant) AppendHeader(dst []byte, h Header) []byte {
	for _, w := range v.Words(h) {
		dst = binary.BigEndian.AppendUint32(dst, w)
	}
	return dst
}

// ParseHeader decodes a header from the start of p. p must hold at least
// HeaderSize bytes.
func (v Variant) ParseHeader(p []byte) Header {
	var h Header
	for i := 0; i < v.HeaderWords; i++ {
		v.setWord(&h, i, binary.BigEndian.Uint32(p[i*4:]))
	}
	return h
}

// ExpectedChecksum computes the header checksum from the other fields.
//
// Ceres: CRC-8 (poly 0x07) over trigger(4) clock(8) length(2) device(1),
// big-endian, finished with XOR 0x55.
// Fontus: CRC-32 (IEEE) over the 44-byte big-endian layout of every field
// between magic and checksum.
func (v Variant) ExpectedChecksum(h Header) uint32 {
	if v.Kind == KindCeres {
		var b [15]byte
		binary.BigEndian.PutUint32(b[0:], h.TriggerID)
		binary.BigEndian.PutUint64(b[4:], h.Clock)
		binary.BigEndian.PutUint16(b[12:], h.Length)
		b[14] = h.DeviceID
		return uint32(CRC8(0, b[:]) ^ 0x55)
	}

	var b [44]byte
	binary.BigEndian.PutUint32(b[0:], h.TriggerID)
	binary.BigEndian.PutUint64(b[4:], h.Clock)
	binary.BigEndian.PutUint16(b[12:], h.Length)
	b[14] = h.DeviceID
	b[15] = h.Flags
	binary.BigEndian.PutUint32(b[16:], h.SelfTrigger)
	binary.BigEndian.PutUint64(b[20:], h.BeamTime)
	binary.BigEndian.PutUint64(b[28:], h.LEDTime)
	binary.BigEndian.PutUint64(b[36:], h.CTTime)
	return crc32.ChecksumIEEE(b[:])
}

// Seal returns h with Magic and Checksum filled in.
func (v Variant) Seal(h Header) Header {
	h.Magic = v.Magic
	h.Checksum = v.ExpectedChecksum(h)
	return h
}

// LogValue implements slog.LogValuer so a bad header can be logged whole.
func (h Header) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("magic", hex32(h.Magic)),
		slog.Uint64("trigger", uint64(h.TriggerID)),
		slog.Uint64("clock", h.Clock),
		slog.Int("length", int(h.Length)),
		slog.Int("device", int(h.DeviceID)),
		slog.String("checksum", hex32(h.Checksum)),
		slog.Int("flags", int(h.Flags)),
		slog.Uint64("self_trigger", uint64(h.SelfTrigger)),
		slog.Uint64("beam_time", h.BeamTime),
		slog.Uint64("led_time", h.LEDTime),
		slog.Uint64("ct_time", h.CTTime),
	)
}

func hex32(v uint32) string {
	return fmt.Sprintf("0x%08X", v)
}

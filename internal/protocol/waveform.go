package protocol

import (
	"encoding/binary"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

// Sample word layout.
const (
	validFlag  = 1 << 31
	packedFlag = 1 << 30
	sampleMask = 0x3FFF
	validMask  = 0x8000 // valid flag as carried in the upper sample of a pair
)

// Waveform is one channel's samples. Samples holds 14-bit values, two per
// pair word; Valid holds one flag per pair.
type Waveform struct {
	Samples []uint16
	Valid   []bool
}

// Pairs returns the number of sample pair words.
func (w Waveform) Pairs() int {
	return len(w.Samples) / 2
}

// pairWord returns the decoded form of pair i.
func (w Waveform) pairWord(i int) uint32 {
	a := w.Samples[2*i] & sampleMask
	if w.Valid[i] {
		a |= validMask
	}
	return uint32(a)<<16 | uint32(w.Samples[2*i+1]&sampleMask)
}

// AppendPairs appends the decoded big-endian pair words of w to dst, the
// form that the channel CRC covers.
func (w Waveform) AppendPairs(dst []byte) []byte {
	for i := 0; i < w.Pairs(); i++ {
		dst = binary.BigEndian.AppendUint32(dst, w.pairWord(i))
	}
	return dst
}

// WaveformFromPairs rebuilds a waveform from decoded pair words.
func WaveformFromPairs(p []byte) Waveform {
	n := len(p) / 4
	w := Waveform{Samples: make([]uint16, 0, 2*n), Valid: make([]bool, 0, n)}
	for i := 0; i < n; i++ {
		word := binary.BigEndian.Uint32(p[i*4:])
		hi := uint16(word >> 16)
		w.Samples = append(w.Samples, hi&sampleMask, uint16(word)&sampleMask)
		w.Valid = append(w.Valid, hi&validMask != 0)
	}
	return w
}

func signExtend14(x uint32) int16 {
	return int16(uint16(x<<2)) >> 2
}

func signExtend5(x uint32) int16 {
	return int16(int8(byte(x&0x1F)<<3) >> 3)
}

func addSample(prev uint16, d int16) uint16 {
	return uint16(int16(prev)+d) & sampleMask
}

// diff14 returns a-b as a signed 14-bit difference.
func diff14(a, b uint16) int16 {
	d := int16((a - b) & sampleMask)
	if d >= 0x2000 {
		d -= 0x4000
	}
	return d
}

// channelState is the running reconstruction of one channel.
type channelState struct {
	prev  uint16
	pairs int
}

// decode expands one sample word into up to three pair words. Sample
// arithmetic is modulo 2^14.
func (c *channelState) decode(word uint32, length int) (out [3]uint32, n int, err error) {
	valid := uint16(word>>16) & validMask

	if word&packedFlag != 0 {
		if c.pairs+3 > length {
			return out, 0, errors.Wrapf(errors.ErrChannelOverrun, "packed word at pair %d of %d", c.pairs, length)
		}
		var pair uint32
		for i := 5; i >= 0; i-- {
			s := addSample(c.prev, signExtend5(word>>(uint(i)*5)))
			c.prev = s
			if i%2 == 1 {
				pair = uint32(s|valid) << 16
			} else {
				out[n] = pair | uint32(s)
				n++
			}
		}
		c.pairs += 3
		return out, n, nil
	}

	if c.pairs >= length {
		return out, 0, errors.Wrapf(errors.ErrChannelOverrun, "pair word at pair %d of %d", c.pairs, length)
	}
	var a uint16
	if c.pairs == 0 {
		a = uint16(word>>16) & sampleMask
	} else {
		a = addSample(c.prev, signExtend14(word>>16))
	}
	b := addSample(a, signExtend14(word))
	c.prev = b
	c.pairs++
	out[0] = uint32(a|valid)<<16 | uint32(b)
	return out, 1, nil
}

// EncodeWaveform returns the wire sample words for w. With packed set, three
// pairs are folded into one word whenever they share a valid flag and all
// six differences fit in 5 signed bits.
func EncodeWaveform(w Waveform, packed bool) []uint32 {
	var words []uint32
	var prev uint16
	pairs := w.Pairs()

	for p := 0; p < pairs; {
		if packed && p+3 <= pairs && w.Valid[p] == w.Valid[p+1] && w.Valid[p] == w.Valid[p+2] {
			if word, ok := packWord(w.Samples[2*p:2*p+6], prev); ok {
				if w.Valid[p] {
					word |= validFlag
				}
				words = append(words, word)
				prev = w.Samples[2*p+5] & sampleMask
				p += 3
				continue
			}
		}

		a := w.Samples[2*p] & sampleMask
		b := w.Samples[2*p+1] & sampleMask
		var hi uint32
		if p == 0 {
			hi = uint32(a)
		} else {
			hi = uint32(uint16(diff14(a, prev))) & sampleMask
		}
		word := hi<<16 | uint32(uint16(diff14(b, a)))&sampleMask
		if w.Valid[p] {
			word |= validFlag
		}
		words = append(words, word)
		prev = b
		p++
	}
	return words
}

func packWord(samples []uint16, prev uint16) (uint32, bool) {
	word := uint32(packedFlag)
	for k, s := range samples {
		s &= sampleMask
		d := diff14(s, prev)
		if d < -16 || d > 15 {
			return 0, false
		}
		word |= uint32(byte(d)&0x1F) << (uint(5-k) * 5)
		prev = s
	}
	return word, true
}

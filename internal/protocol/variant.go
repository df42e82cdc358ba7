package protocol

import (
	"fmt"
	"strings"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

// Kind identifies a front-end device family.
type Kind int

const (
	KindCeres Kind = iota
	KindFontus
)

func (k Kind) String() string {
	switch k {
	case KindCeres:
		return "ceres"
	case KindFontus:
		return "fontus"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Variant describes the framing of one device family. Both families share
// the header + {marker, samples, crc} per channel shape and differ in magic,
// header layout, checksum, channel count and channel ordering.
type Variant struct {
	Kind        Kind
	Magic       uint32
	HeaderWords int
	Channels    int
}

var (
	// Ceres is the 16-channel digitizer board.
	Ceres = Variant{
		Kind:        KindCeres,
		Magic:       0xFFFFFFFF,
		HeaderWords: 5,
		Channels:    16,
	}

	// Fontus is the 4-channel trigger board.
	Fontus = Variant{
		Kind:        KindFontus,
		Magic:       0xF00FF00F,
		HeaderWords: 13,
		Channels:    4,
	}
)

// Channel orders for the two CERES board halves. Index is the serial
// channel on the wire, value is the physical channel.
var (
	ceresEvenOrder = [16]int{3, 2, 1, 0, 7, 6, 5, 4, 11, 10, 9, 8, 15, 14, 13, 12}
	ceresOddOrder  = [16]int{15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0}
)

// ParseVariant resolves a variant by name.
func ParseVariant(name string) (Variant, error) {
	switch strings.ToLower(name) {
	case "ceres":
		return Ceres, nil
	case "fontus":
		return Fontus, nil
	default:
		return Variant{}, errors.Wrapf(errors.ErrUnknownVariant, "%q", name)
	}
}

// VariantForMagic returns the variant whose header starts with magic.
func VariantForMagic(magic uint32) (Variant, bool) {
	switch magic {
	case Ceres.Magic:
		return Ceres, true
	case Fontus.Magic:
		return Fontus, true
	default:
		return Variant{}, false
	}
}

func (v Variant) String() string {
	return v.Kind.String()
}

// HeaderSize returns the header length in bytes.
func (v Variant) HeaderSize() int {
	return v.HeaderWords * 4
}

// PayloadSize returns the decoded event size for a header with the given
// per-channel sample pair count.
func (v Variant) PayloadSize(length uint16) int {
	return v.HeaderSize() + v.Channels*(int(length)+2)*4
}

// PhysicalChannel maps a serial channel to its physical slot for device.
func (v Variant) PhysicalChannel(device uint8, serial int) int {
	if v.Kind != KindCeres {
		return serial
	}
	if device%2 == 0 {
		return ceresEvenOrder[serial]
	}
	return ceresOddOrder[serial]
}

// MagicBytes returns the magic in wire order.
func (v Variant) MagicBytes() []byte {
	return []byte{byte(v.Magic >> 24), byte(v.Magic >> 16), byte(v.Magic >> 8), byte(v.Magic)}
}

// Marker returns the word that opens channel ch.
func Marker(ch int) uint32 {
	return 0xFF00FF00 | uint32(ch)<<16 | uint32(ch)
}

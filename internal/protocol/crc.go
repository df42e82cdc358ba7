package protocol

import "hash/crc32"

const crc8Poly = 0x07

var crc8Table = func() [256]byte {
	var t [256]byte
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for j := 0; j < 8; j++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ crc8Poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// CRC8 updates crc with p using polynomial 0x07.
func CRC8(crc byte, p []byte) byte {
	for _, b := range p {
		crc = crc8Table[crc^b]
	}
	return crc
}

// ChannelCRC returns the checksum closing a channel: IEEE CRC-32 over the
// big-endian decoded sample-pair words.
func ChannelCRC(pairs []byte) uint32 {
	return crc32.ChecksumIEEE(pairs)
}

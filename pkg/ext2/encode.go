package ext2

import "encoding/binary"

func DecodeUint16(b0, b1 byte) uint16 {
	// Little endian: first byte is least significant
	return uint16(b0) + (uint16(b1) << 8)
}

func DecodeUint32(b0, b1, b2, b3 byte) uint32 {
	return uint32(b0) +
		(uint32(b1) << 8) +
		(uint32(b2) << 16) +
		(uint32(b3) << 24)
}

func getU16(b []byte, off int) uint16 { return DecodeUint16(b[off], b[off+1]) }

func getU32(b []byte, off int) uint32 {
	return DecodeUint32(b[off], b[off+1], b[off+2], b[off+3])
}

func EncodeUint16(x uint16, b []byte) { binary.LittleEndian.PutUint16(b, x) }

func EncodeUint32(x uint32, b []byte) { binary.LittleEndian.PutUint32(b, x) }

func divRoundUp(a, b uint64) uint64 {
	if a%b == 0 {
		return a / b
	}
	return a/b + 1
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

package types

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Compact-size varint encoding, consensus-critical: values below 0xFD encode as a
// single byte; 0xFD/0xFE/0xFF prefix a little-endian u16/u32/u64 payload
// respectively. Every implementation of this wire format must agree byte-for-byte.
const (
	varintPrefix16 = 0xFD
	varintPrefix32 = 0xFE
	varintPrefix64 = 0xFF
)

// PutVarint appends the compact-size encoding of n to buf and returns the result.
func PutVarint(buf []byte, n uint64) []byte {
	switch {
	case n < varintPrefix16:
		return append(buf, byte(n))
	case n <= 0xFFFF:
		b := make([]byte, 3)
		b[0] = varintPrefix16
		binary.LittleEndian.PutUint16(b[1:], uint16(n))
		return append(buf, b...)
	case n <= 0xFFFFFFFF:
		b := make([]byte, 5)
		b[0] = varintPrefix32
		binary.LittleEndian.PutUint32(b[1:], uint32(n))
		return append(buf, b...)
	default:
		b := make([]byte, 9)
		b[0] = varintPrefix64
		binary.LittleEndian.PutUint64(b[1:], n)
		return append(buf, b...)
	}
}

// VarintSize returns the number of bytes PutVarint would emit for n.
func VarintSize(n uint64) int {
	switch {
	case n < varintPrefix16:
		return 1
	case n <= 0xFFFF:
		return 3
	case n <= 0xFFFFFFFF:
		return 5
	default:
		return 9
	}
}

// ReadVarint decodes a compact-size varint from r.
func ReadVarint(r io.Reader) (uint64, error) {
	var prefix [1]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, fmt.Errorf("read varint prefix: %w", err)
	}
	switch prefix[0] {
	case varintPrefix16:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("read varint u16: %w", err)
		}
		return uint64(binary.LittleEndian.Uint16(b[:])), nil
	case varintPrefix32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("read varint u32: %w", err)
		}
		return uint64(binary.LittleEndian.Uint32(b[:])), nil
	case varintPrefix64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("read varint u64: %w", err)
		}
		return binary.LittleEndian.Uint64(b[:]), nil
	default:
		return uint64(prefix[0]), nil
	}
}

// Package bkd implements the one-dimensional block KD-tree backing
// numeric indexes: fixed-width byte-comparable keys partitioned into
// leaves, per-leaf posting lists, and sampled internal posting lists for
// cheap large-range queries.
package bkd

import (
	"encoding/binary"
	"math"
)

// Supported fixed key widths.
const (
	Width1  = 1
	Width4  = 4
	Width8  = 8
	Width16 = 16
)

// EncodeInt64 encodes v in the sign-flipped big-endian form whose byte
// order matches numeric order.
func EncodeInt64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	return b[:]
}

// DecodeInt64 reverses EncodeInt64.
func DecodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// EncodeInt32 encodes v sign-flipped big-endian in 4 bytes.
func EncodeInt32(v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v)^(1<<31))
	return b[:]
}

// DecodeInt32 reverses EncodeInt32.
func DecodeInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b) ^ (1 << 31))
}

// EncodeFloat64 encodes v so byte order matches IEEE-754 total order.
// Negative values flip all bits, non-negative flip the sign bit.
func EncodeFloat64(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits ^= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return b[:]
}

// DecodeFloat64 reverses EncodeFloat64.
func DecodeFloat64(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

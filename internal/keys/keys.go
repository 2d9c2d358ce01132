// Package keys provides comparators and encoders for the fixed-size keys
// fed to the unique engine.
package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/spaolacci/murmur3"
)

// Fixed key widths of the stock encodings.
const (
	Int32Size  = 4
	Uint32Size = 4
	Uint64Size = 8
	HashSize   = 16
)

// Bytes orders keys lexicographically.
func Bytes(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Int32 orders 4-byte big-endian two's complement integers.
func Int32(a, b []byte) int {
	x := int32(binary.BigEndian.Uint32(a))
	y := int32(binary.BigEndian.Uint32(b))
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// Uint32 orders 4-byte big-endian unsigned integers.
func Uint32(a, b []byte) int {
	x := binary.BigEndian.Uint32(a)
	y := binary.BigEndian.Uint32(b)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// Uint64 orders 8-byte big-endian unsigned integers.
func Uint64(a, b []byte) int {
	x := binary.BigEndian.Uint64(a)
	y := binary.BigEndian.Uint64(b)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// Descending reverses cmp.
func Descending(cmp func(a, b []byte) int) func(a, b []byte) int {
	return func(a, b []byte) int {
		return cmp(b, a)
	}
}

// PutInt32 encodes v into dst[:4].
func PutInt32(dst []byte, v int32) {
	binary.BigEndian.PutUint32(dst, uint32(v))
}

// GetInt32 decodes a key written by PutInt32.
func GetInt32(src []byte) int32 {
	return int32(binary.BigEndian.Uint32(src))
}

// PutUint32 encodes v into dst[:4].
func PutUint32(dst []byte, v uint32) {
	binary.BigEndian.PutUint32(dst, v)
}

// GetUint32 decodes a key written by PutUint32.
func GetUint32(src []byte) uint32 {
	return binary.BigEndian.Uint32(src)
}

// ParseInt32 parses a decimal integer into a 4-byte key.
func ParseInt32(dst []byte, s string) error {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return fmt.Errorf("parse int32 key: %w", err)
	}
	PutInt32(dst, int32(v))
	return nil
}

// HashLine maps an arbitrary byte string to a 16-byte key with 128-bit
// murmur3. Distinct keys stand for distinct lines up to hash collisions.
func HashLine(dst []byte, line []byte) {
	h1, h2 := murmur3.Sum128(line)
	binary.BigEndian.PutUint64(dst[0:8], h1)
	binary.BigEndian.PutUint64(dst[8:16], h2)
}

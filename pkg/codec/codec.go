// Package codec implements the fixed big-endian integer encodings used
// throughout the on-disk layout. Every multi-byte integer in the file
// format is big-endian; this package is the single place that decision
// is expressed.
package codec

import "encoding/binary"

// PutUint32 writes a big-endian uint32 into buf at offset 0.
func PutUint32(buf []byte, v uint32) {
	binary.BigEndian.PutUint32(buf, v)
}

// Uint32 reads a big-endian uint32 from buf at offset 0.
func Uint32(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

// PutUint64 writes a big-endian uint64 into buf at offset 0.
func PutUint64(buf []byte, v uint64) {
	binary.BigEndian.PutUint64(buf, v)
}

// Uint64 reads a big-endian uint64 from buf at offset 0.
func Uint64(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}

// WriteUint32At writes v as big-endian at buf[off:off+4].
func WriteUint32At(buf []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(buf[off:off+4], v)
}

// ReadUint32At reads a big-endian uint32 from buf[off:off+4].
func ReadUint32At(buf []byte, off int) uint32 {
	return binary.BigEndian.Uint32(buf[off : off+4])
}

// WriteUint64At writes v as big-endian at buf[off:off+8].
func WriteUint64At(buf []byte, off int, v uint64) {
	binary.BigEndian.PutUint64(buf[off:off+8], v)
}

// ReadUint64At reads a big-endian uint64 from buf[off:off+8].
func ReadUint64At(buf []byte, off int) uint64 {
	return binary.BigEndian.Uint64(buf[off : off+8])
}

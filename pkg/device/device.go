// Package device implements the byte-device abstraction the storage core
// is built against: positioned read, positioned write, truncate/resize,
// length query, and a durability barrier. The core (pkg/alloc, pkg/node,
// pkg/btree) only ever talks to the Device interface, never to *os.File
// directly.
package device

import "io"

// Device is any file-like backend honouring positioned I/O, resize, length
// query, and flush. A default operating-system file backend is provided by
// Open; tests substitute pkg/testutil's in-memory implementation.
type Device interface {
	// Pread reads len(p) bytes starting at offset. Returns the number of
	// bytes read, which is always len(p) on success (short reads are
	// treated as device errors, matching pread(2) semantics for a
	// regular file within its extent).
	Pread(p []byte, offset int64) (int, error)
	// Pwrite writes len(p) bytes starting at offset.
	Pwrite(p []byte, offset int64) (int, error)
	// Truncate resizes the underlying file to exactly newLength bytes.
	Truncate(newLength int64) error
	// Size reports the current length of the file in bytes.
	Size() (int64, error)
	// Sync is the durability barrier: every byte written before a Sync
	// call is guaranteed durable once Sync returns without error.
	Sync() error
	// Close releases the underlying handle.
	Close() error
}

// ReadFull reads exactly len(p) bytes at offset, retrying partial reads and
// returning io.ErrUnexpectedEOF if the device stops returning bytes before
// p is full (the posix implementation reports short reads as errors itself,
// but the interface doesn't forbid partial reads).
func ReadFull(d Device, p []byte, offset int64) error {
	read := 0
	for read < len(p) {
		n, err := d.Pread(p[read:], offset+int64(read))
		if n > 0 {
			read += n
		}
		if err != nil {
			if err == io.EOF && read == len(p) {
				return nil
			}
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

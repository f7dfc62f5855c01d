// Package testutil provides an in-memory device.Device double: a
// lock-guarded flat growable byte buffer standing in for a real file,
// since this engine addresses a byte-offset space rather than fixed
// pages.
package testutil

import (
	"io"
	"sync"

	"github.com/redbtree/redbtree/pkg/device"
)

var _ device.Device = (*MemDevice)(nil)

// MemDevice is a goroutine-safe, in-memory device.Device. Sync is a no-op:
// there is nothing to flush, but callers exercising barrier-placement
// behavior can wrap one in a BarrierRecordingDevice to capture the buffer
// at every barrier.
type MemDevice struct {
	mu  sync.Mutex
	buf []byte
}

// NewMemDevice returns an empty MemDevice.
func NewMemDevice() *MemDevice {
	return &MemDevice{}
}

func (d *MemDevice) Pread(p []byte, offset int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset < 0 || offset > int64(len(d.buf)) {
		return 0, io.EOF
	}
	n := copy(p, d.buf[offset:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (d *MemDevice) Pwrite(p []byte, offset int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	end := offset + int64(len(p))
	if end > int64(len(d.buf)) {
		grown := make([]byte, end)
		copy(grown, d.buf)
		d.buf = grown
	}
	return copy(d.buf[offset:end], p), nil
}

func (d *MemDevice) Truncate(newLength int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if newLength <= int64(len(d.buf)) {
		d.buf = d.buf[:newLength]
		return nil
	}
	grown := make([]byte, newLength)
	copy(grown, d.buf)
	d.buf = grown
	return nil
}

func (d *MemDevice) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.buf)), nil
}

func (d *MemDevice) Sync() error { return nil }
func (d *MemDevice) Close() error { return nil }

// Snapshot returns a defensive copy of the current buffer contents, used by
// crash-simulation tests to reopen a Tree over a point-in-time image.
func (d *MemDevice) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(d.buf))
	copy(cp, d.buf)
	return cp
}

// FromSnapshot builds a MemDevice pre-populated with buf's contents.
func FromSnapshot(buf []byte) *MemDevice {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	return &MemDevice{buf: cp}
}
